package dataset

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-crypt/x/blake2b"

	"search-ingest/internal/ingest"
)

// IDGenerator reads the document id from a configured field and optionally
// falls back to a content hash.
type IDGenerator struct {
	field    string
	hash     bool
	sourceID string
}

// NewIDGenerator builds the id generator for c.
func NewIDGenerator(c Config) *IDGenerator {
	field := c.IDField
	if field == "" {
		field = defaultIDField
	}
	return &IDGenerator{field: field, hash: c.HashID, sourceID: c.SourceID}
}

// GenerateID implements ingest.IDGenerator. With includeSourcePrefix the id is
// "<sourceId>_<id>". An empty result means the document has no usable id.
func (g *IDGenerator) GenerateID(doc ingest.Document, includeSourcePrefix bool) string {
	id := idValue(doc[g.field])
	if id == "" && g.hash {
		id = ContentID(doc)
	}
	if id == "" {
		return ""
	}
	if includeSourcePrefix && g.sourceID != "" {
		return g.sourceID + "_" + id
	}
	return id
}

// ContentID is a deterministic 128-bit BLAKE2b hash of the document's JSON form.
func ContentID(doc ingest.Document) string {
	// Map keys marshal in sorted order, so equal documents hash equally.
	data, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func idValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}
