package adapter

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
)

const redacted = "*****"

// Secret holds a credential in sealed form. The clear text is only handed out
// through Reveal, and every formatting, logging or serialisation path renders
// a fixed mask instead.
type Secret struct {
	sealed []byte
	pad    []byte
}

// NewSecret seals value. An empty value yields the zero Secret.
func NewSecret(value string) Secret {
	if value == "" {
		return Secret{}
	}
	pad := make([]byte, len(value))
	if _, err := rand.Read(pad); err != nil {
		// crypto/rand does not fail on supported platforms; keep a
		// deterministic pad rather than losing the credential.
		for i := range pad {
			pad[i] = byte(i*31 + 7)
		}
	}
	sealed := make([]byte, len(value))
	for i := 0; i < len(value); i++ {
		sealed[i] = value[i] ^ pad[i]
	}
	return Secret{sealed: sealed, pad: pad}
}

// IsEmpty reports whether the secret holds no value.
func (s Secret) IsEmpty() bool { return len(s.sealed) == 0 }

// Reveal passes the clear text to fn. The string must not outlive fn.
func (s Secret) Reveal(fn func(clear string)) {
	buf := make([]byte, len(s.sealed))
	for i := range s.sealed {
		buf[i] = s.sealed[i] ^ s.pad[i]
	}
	fn(string(buf))
	for i := range buf {
		buf[i] = 0
	}
}

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// LogValue keeps the secret masked in slog output.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON never emits the clear text.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }
