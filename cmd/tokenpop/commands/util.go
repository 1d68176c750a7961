package commands

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"strings"

	"marinvpn/pkg/crypto"
)

func readPublicKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crypto.ParseBlindPublicKey(string(b))
}

func decode(v string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(v))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
