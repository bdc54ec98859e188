package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"creditswap/native/creditswap"
)

// EventsJSONL builds a JSON Lines export for the supplied engine events and
// returns the serialised payload alongside a SHA-256 checksum.
func EventsJSONL(events []creditswap.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, event := range events {
		payload := make(map[string]interface{}, 12)
		for key, value := range event.Attributes() {
			payload[key] = value
		}
		payload["occurred_at"] = event.Timestamp.UTC().Format(time.RFC3339Nano)
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	return checksummed(buffer.Bytes())
}

func checksummed(data []byte) ([]byte, string, error) {
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
