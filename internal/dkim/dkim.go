// Package dkim signs assembled outbound messages with a DKIM-Signature.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// defaultHeaders are the header fields covered by the signature unless
// configured otherwise.
var defaultHeaders = []string{
	"from", "to", "subject", "date", "message-id", "mime-version", "content-type",
}

// Options configures a Signer.
type Options struct {
	Domain         string
	Selector       string
	PrivateKey     string
	PrivateKeyFile string
	Headers        []string
}

// Signer applies DKIM signatures with relaxed/relaxed canonicalization.
// A nil *Signer is valid and leaves messages untouched.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// New creates a Signer from opts. The key is read from PrivateKey when set,
// otherwise from PrivateKeyFile.
func New(opts Options) (*Signer, error) {
	if opts.Domain == "" || opts.Selector == "" {
		return nil, errors.New("dkim: domain and selector are required")
	}

	var pemData []byte
	switch {
	case opts.PrivateKey != "":
		pemData = []byte(opts.PrivateKey)
	case opts.PrivateKeyFile != "":
		data, err := os.ReadFile(opts.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, errors.New("dkim: a private key or key file is required")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	headers := defaultHeaders
	if len(opts.Headers) > 0 {
		headers = make([]string, 0, len(opts.Headers))
		for _, h := range opts.Headers {
			headers = append(headers, strings.ToLower(strings.TrimSpace(h)))
		}
	}

	return &Signer{
		domain:     strings.ToLower(opts.Domain),
		selector:   opts.Selector,
		key:        key,
		headerKeys: headers,
	}, nil
}

// Domain returns the signing domain.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Sign returns message with a DKIM-Signature header prepended. Messages that
// already carry a signature are returned unchanged.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	if s == nil || s.key == nil || hasSignature(message) {
		return message, nil
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(toCRLF(message)), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			return nil, errors.New("no private key found in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, errors.New("unsupported private key type in PKCS#8 container")
			}
			return signer, nil
		}
		pemData = rest
	}
}

func hasSignature(message []byte) bool {
	upper := bytes.ToUpper(message)
	return bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:")) ||
		bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:"))
}

func toCRLF(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
