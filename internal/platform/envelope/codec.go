// Package envelope seals protocol messages as JWE compact serializations
// (RSA-OAEP-256 key wrap, A256GCM content encryption) and opens them again.
package envelope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/ehr/hcx/internal/platform/protocol"
)

// Sentinel errors.
var (
	ErrEnvelopeFormat = errors.New("envelope is not a five-segment JWE compact serialization")
	ErrKeyMaterial    = errors.New("invalid key material")
	ErrDecryption     = errors.New("envelope decryption failed")
)

// Algorithms fixed by the protocol.
const (
	KeyAlgorithm      = jose.RSA_OAEP_256
	ContentEncryption = jose.A256GCM
)

// Keys of the protected header that callers cannot override.
var reservedHeaders = map[string]bool{"alg": true, "enc": true, "zip": true, "kid": true}

// Message is an opened envelope.
type Message struct {
	// Header is the full protected header.
	Header map[string]interface{}
	// Protocol is Header decoded into protocol headers.
	Protocol protocol.Headers
	// Payload holds the plaintext when it is valid JSON, otherwise nil.
	Payload json.RawMessage
	// Text always holds the plaintext.
	Text string
}

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v interface{}) error {
	if m.Payload == nil {
		return fmt.Errorf("envelope payload is not JSON")
	}
	return json.Unmarshal(m.Payload, v)
}

// Codec is stateless; the zero value is ready to use.
type Codec struct{}

// NewCodec returns a Codec.
func NewCodec() *Codec { return &Codec{} }

// Encrypt seals payload for the holder of recipient's key. The protected
// header is {alg, enc} merged with protocolHeaders then domainHeaders, later
// keys winning, except that alg, enc, zip and kid are never overridden.
func (c *Codec) Encrypt(ctx context.Context, payload interface{}, protocolHeaders, domainHeaders map[string]interface{}, recipient PublicKeySource) (string, error) {
	pub, err := recipient.PublicKey(ctx)
	if err != nil {
		if errors.Is(err, ErrKeyMaterial) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}

	plaintext, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	opts := &jose.EncrypterOptions{}
	for _, headers := range []map[string]interface{}{protocolHeaders, domainHeaders} {
		for k, v := range headers {
			if reservedHeaders[k] {
				continue
			}
			opts = opts.WithHeader(jose.HeaderKey(k), v)
		}
	}

	enc, err := jose.NewEncrypter(ContentEncryption, jose.Recipient{Algorithm: KeyAlgorithm, Key: pub}, opts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt envelope: %w", err)
	}
	return obj.CompactSerialize()
}

// EncryptMessage is Encrypt with protocol headers taken from h.
func (c *Codec) EncryptMessage(ctx context.Context, payload interface{}, h protocol.Headers, domainHeaders map[string]interface{}, recipient PublicKeySource) (string, error) {
	return c.Encrypt(ctx, payload, h.Map(), domainHeaders, recipient)
}

// Decrypt opens compact with the local private key.
func (c *Codec) Decrypt(ctx context.Context, compact string, own PrivateKeySource) (*Message, error) {
	header, err := ParseProtectedHeader(compact)
	if err != nil {
		return nil, err
	}
	priv, err := own.PrivateKey(ctx)
	if err != nil {
		if errors.Is(err, ErrKeyMaterial) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}

	obj, err := jose.ParseEncryptedCompact(strings.TrimSpace(compact),
		[]jose.KeyAlgorithm{KeyAlgorithm}, []jose.ContentEncryption{ContentEncryption})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	plaintext, err := obj.Decrypt(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	msg := &Message{
		Header:   header,
		Protocol: protocol.HeadersFromMap(header),
		Text:     string(plaintext),
	}
	if json.Valid(plaintext) {
		msg.Payload = json.RawMessage(plaintext)
	}
	return msg, nil
}

// ParseProtectedHeader decodes the first segment of compact without
// decrypting anything, so protocol headers are available to error paths.
func ParseProtectedHeader(compact string) (map[string]interface{}, error) {
	parts := strings.Split(strings.TrimSpace(compact), ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: got %d segments", ErrEnvelopeFormat, len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: protected header: %v", ErrEnvelopeFormat, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var header map[string]interface{}
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: protected header: %v", ErrEnvelopeFormat, err)
	}
	return header, nil
}

// ProtocolHeaders is ParseProtectedHeader decoded into protocol headers.
func ProtocolHeaders(compact string) (protocol.Headers, error) {
	header, err := ParseProtectedHeader(compact)
	if err != nil {
		return protocol.Headers{}, err
	}
	return protocol.HeadersFromMap(header), nil
}

func marshalPayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope payload: %w", err)
		}
		return b, nil
	}
}
