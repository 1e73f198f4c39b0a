// Package identity derives stable identifiers from document content.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ragindex/internal/domain"
)

// chunkSpace seeds name-based chunk UUIDs.
var chunkSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ragindex:chunk"))

var bom = []byte{0xEF, 0xBB, 0xBF}

// Identify returns the content-derived ID for a document.
// Only line endings and a leading BOM are normalised; any other byte change yields a new ID.
func Identify(raw []byte, filename string) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty document", domain.ErrInvalidInput)
	}
	h := sha256.New()
	h.Write(normalize(raw))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(filepath.Ext(filename))))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}

// ChunkID returns the stable ID of the chunk at index within documentID.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkSpace, []byte(documentID+":"+strconv.Itoa(index))).String()
}

func normalize(raw []byte) []byte {
	raw = bytes.TrimPrefix(raw, bom)
	if bytes.IndexByte(raw, '\r') < 0 {
		return raw
	}
	out := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
}
