package chat

import (
	"context"
	"fmt"
)

// Annotation keys of the per-message memory record.
const (
	KeySummary     = "summary"
	KeyContentHash = "content_hash"
	KeyReasoning   = "reasoning"
	KeyPrefill     = "prefill"
	KeyError       = "error"
	KeyFailedHash  = "failed_hash"
	KeyEdited      = "edited"
	KeyRemember    = "remember"
	KeyExclude     = "exclude"
	KeyTier        = "tier"
	KeyLagging     = "lagging"
)

// Annotation reads one record field by key. Unset fields return nil.
func Annotation(ctx context.Context, s Store, index int, key string) (any, error) {
	msg, err := s.Get(ctx, index)
	if err != nil {
		return nil, err
	}
	r := msg.Record
	switch key {
	case KeySummary:
		return nonEmpty(r.Summary), nil
	case KeyContentHash:
		return nonEmpty(r.ContentHash), nil
	case KeyReasoning:
		return nonEmpty(r.Reasoning), nil
	case KeyPrefill:
		return nonEmpty(r.Prefill), nil
	case KeyError:
		return nonEmpty(r.Error), nil
	case KeyFailedHash:
		return nonEmpty(r.FailedHash), nil
	case KeyEdited:
		return r.Edited, nil
	case KeyRemember:
		return r.Remember, nil
	case KeyExclude:
		return r.Exclude, nil
	case KeyTier:
		if r.Tier == "" {
			return nil, nil
		}
		return r.Tier, nil
	case KeyLagging:
		return r.Lagging, nil
	default:
		return nil, fmt.Errorf("unknown annotation key %q", key)
	}
}

// SetAnnotation writes one record field by key. A nil value clears it.
// Setting remember or exclude to true clears the other.
func SetAnnotation(ctx context.Context, s Store, index int, key string, value any) error {
	var apply func(*Record)
	switch key {
	case KeySummary, KeyContentHash, KeyReasoning, KeyPrefill, KeyError, KeyFailedHash:
		str, err := stringValue(key, value)
		if err != nil {
			return err
		}
		apply = func(r *Record) {
			switch key {
			case KeySummary:
				r.Summary = str
			case KeyContentHash:
				r.ContentHash = str
			case KeyReasoning:
				r.Reasoning = str
			case KeyPrefill:
				r.Prefill = str
			case KeyError:
				r.Error = str
			case KeyFailedHash:
				r.FailedHash = str
			}
		}
	case KeyEdited, KeyRemember, KeyExclude, KeyLagging:
		b, err := boolValue(key, value)
		if err != nil {
			return err
		}
		apply = func(r *Record) {
			switch key {
			case KeyEdited:
				r.Edited = b
			case KeyRemember:
				r.SetRemember(b)
			case KeyExclude:
				r.SetExclude(b)
			case KeyLagging:
				r.Lagging = b
			}
		}
	case KeyTier:
		str, err := stringValue(key, value)
		if err != nil {
			return err
		}
		apply = func(r *Record) {
			r.Tier = Tier(str)
		}
	default:
		return fmt.Errorf("unknown annotation key %q", key)
	}

	return s.UpdateRecord(ctx, index, apply)
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringValue(key string, value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case Tier:
		return string(v), nil
	default:
		return "", fmt.Errorf("annotation %s: expected string, got %T", key, value)
	}
}

func boolValue(key string, value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("annotation %s: expected bool, got %T", key, value)
	}
}
