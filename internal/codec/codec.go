package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrUnknownKind is the fatal decode failure for a type tag outside the
// closed variant set. It is never retried.
type ErrUnknownKind struct {
	Tag string
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("unknown item content tag %q", e.Tag)
}

// wireItem is the persisted JSON shape of an item.
type wireItem struct {
	Type           ItemKind        `json:"type"`
	Author         DisplayAuthor   `json:"author,omitempty"`
	BlockedReasons []BlockReason   `json:"blockedReasons,omitempty"`
	Body           json.RawMessage `json:"body"`
}

// Encode renders an item as canonical JSON bytes, the plaintext that the
// storage envelope compresses and seals.
func Encode(item *Item) ([]byte, error) {
	if item == nil || item.Content == nil {
		return nil, fmt.Errorf("encode item: empty content")
	}

	body, err := json.Marshal(item.Content)
	if err != nil {
		return nil, fmt.Errorf("encode item body: %w", err)
	}

	raw, err := json.Marshal(wireItem{
		Type:           item.Content.Kind(),
		Author:         item.Author,
		BlockedReasons: item.BlockedReasons,
		Body:           body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize item: %w", err)
	}
	return canonical, nil
}

// Decode parses canonical item bytes back into a typed item. An unknown
// type tag is a fatal codec error.
func Decode(data []byte) (*Item, error) {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}

	content, err := decodeBody(w.Type, w.Body)
	if err != nil {
		return nil, err
	}

	return &Item{
		Content:        content,
		Author:         w.Author,
		BlockedReasons: w.BlockedReasons,
	}, nil
}

func decodeBody(kind ItemKind, body json.RawMessage) (Content, error) {
	switch kind {
	case KindChatText:
		var v ChatText
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode chat text: %w", err)
		}
		return v, nil
	case KindReflectionQuestion:
		var v ReflectionQuestion
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode reflection question: %w", err)
		}
		return v, nil
	case KindReflectionResponse:
		var v ReflectionResponse
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode reflection response: %w", err)
		}
		return v, nil
	case KindSummary:
		var v Summary
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		return v, nil
	case KindUIEvent:
		var v UIEvent
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode ui event: %w", err)
		}
		return v, nil
	default:
		return nil, &ErrUnknownKind{Tag: string(kind)}
	}
}

// contentDoc is the content-only canonical form used for hashing: type tag
// and body, nothing incidental (author and block reasons excluded).
type contentDoc struct {
	Type ItemKind        `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ContentHash returns a stable hex digest of the item's content, used to
// detect no-op edits before writing them back.
func ContentHash(c Content) (string, error) {
	if c == nil {
		return "", fmt.Errorf("hash item: empty content")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("hash item body: %w", err)
	}
	raw, err := json.Marshal(contentDoc{Type: c.Kind(), Body: body})
	if err != nil {
		return "", fmt.Errorf("hash item: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize item: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two contents hash identically.
func Equal(a, b Content) (bool, error) {
	ha, err := ContentHash(a)
	if err != nil {
		return false, err
	}
	hb, err := ContentHash(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
