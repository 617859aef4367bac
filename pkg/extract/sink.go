package extract

import (
	"fmt"
	"os"
)

// DefaultKeyFile is where the captured key lands unless configured
// otherwise. A fixed, well-known path: the tools that consume the key
// look here.
const DefaultKeyFile = "/tmp/wechat_key.txt"

// Sink persists the captured key to a file.
type Sink struct {
	Path string
}

// Persist writes the key's lowercase hex to the sink path, replacing
// any previous content wholesale. No trailing newline: consumers read
// the file as the bare hex string. Created 0600 since the key opens
// the message store.
func (k *Sink) Persist(keyHex string) error {
	if err := os.WriteFile(k.Path, []byte(keyHex), 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}
