package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// extraKey is the message.extra namespace chat files keep memory records in.
const extraKey = "qvink_memory"

type jsonlHeader struct {
	UserName      string `json:"user_name"`
	CharacterName string `json:"character_name"`
	CreateDate    string `json:"create_date,omitempty"`
}

type jsonlRecord struct {
	Memory    string `json:"memory,omitempty"`
	Hash      any    `json:"hash,omitempty"`
	Include   string `json:"include,omitempty"`
	Remember  bool   `json:"remember,omitempty"`
	Exclude   bool   `json:"exclude,omitempty"`
	Error     string `json:"error,omitempty"`
	Edited    bool   `json:"edited,omitempty"`
	Prefill   string `json:"prefill,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type jsonlExtra struct {
	Type   string       `json:"type,omitempty"`
	Memory *jsonlRecord `json:"qvink_memory,omitempty"`
}

type jsonlSwipeInfo struct {
	Extra jsonlExtra `json:"extra"`
}

type jsonlMessage struct {
	Name           string           `json:"name"`
	IsUser         bool             `json:"is_user"`
	IsSystem       bool             `json:"is_system"`
	IsThoughts     bool             `json:"is_thoughts,omitempty"`
	OriginalAvatar string           `json:"original_avatar,omitempty"`
	SendDate       string           `json:"send_date,omitempty"`
	Mes            string           `json:"mes"`
	SwipeID        int              `json:"swipe_id,omitempty"`
	Swipes         []string         `json:"swipes,omitempty"`
	SwipeInfo      []jsonlSwipeInfo `json:"swipe_info,omitempty"`
	Extra          jsonlExtra       `json:"extra"`
}

// ImportJSONL appends the messages of a chat export (one header line, then
// one message per line) to s and stores the header names in its metadata.
// Imported summaries are treated as current for their text.
func ImportJSONL(ctx context.Context, r io.Reader, s Store) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	imported := 0
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		if line == 1 && !strings.Contains(raw, `"mes"`) {
			var hdr jsonlHeader
			if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
				return imported, fmt.Errorf("jsonl header: %w", err)
			}
			meta, err := s.Metadata(ctx)
			if err != nil {
				return imported, err
			}
			meta.UserName = hdr.UserName
			meta.CharacterName = hdr.CharacterName
			if err := s.SaveMetadata(ctx, meta); err != nil {
				return imported, err
			}
			continue
		}

		var jm jsonlMessage
		if err := json.Unmarshal([]byte(raw), &jm); err != nil {
			return imported, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		if _, err := s.Append(ctx, jm.toMessage()); err != nil {
			return imported, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		imported++
	}
	if err := sc.Err(); err != nil {
		return imported, fmt.Errorf("read jsonl: %w", err)
	}
	return imported, nil
}

// ExportJSONL writes the conversation in the format ImportJSONL reads.
func ExportJSONL(ctx context.Context, w io.Writer, s Store) error {
	meta, err := s.Metadata(ctx)
	if err != nil {
		return err
	}
	history, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(jsonlHeader{
		UserName:      meta.UserName,
		CharacterName: meta.CharacterName,
		CreateDate:    meta.CreatedAt.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	for _, m := range history {
		if err := enc.Encode(fromMessage(m)); err != nil {
			return err
		}
	}
	return nil
}

func (jm jsonlMessage) toMessage() Message {
	msg := Message{
		Name:         jm.Name,
		CharacterKey: jm.OriginalAvatar,
		Text:         jm.Mes,
		Role:         RoleAssistant,
		SwipeID:      jm.SwipeID,
	}
	if msg.CharacterKey == "" {
		msg.CharacterKey = jm.Name
	}
	switch {
	case jm.IsUser:
		msg.Role = RoleUser
	case jm.IsSystem:
		msg.Role = RoleSystem
		msg.Hidden = true
	}
	switch {
	case jm.IsThoughts:
		msg.Kind = KindThought
	case jm.Extra.Type == "narrator":
		msg.Kind = KindNarrator
	}
	if t, err := time.Parse(time.RFC3339, jm.SendDate); err == nil {
		msg.CreatedAt = t
	}

	msg.Record = jm.Extra.Memory.toRecord(jm.Mes)
	if len(jm.Swipes) > 0 {
		msg.Swipes = make([]Swipe, len(jm.Swipes))
		for i, text := range jm.Swipes {
			sw := Swipe{Text: text}
			if i < len(jm.SwipeInfo) {
				sw.Record = jm.SwipeInfo[i].Extra.Memory.toRecord(text)
			}
			if i == jm.SwipeID {
				sw.Record = msg.Record
			}
			msg.Swipes[i] = sw
		}
	}
	return msg
}

func (r *jsonlRecord) toRecord(text string) Record {
	if r == nil {
		return Record{}
	}
	rec := Record{
		Summary:   r.Memory,
		Error:     r.Error,
		Edited:    r.Edited,
		Prefill:   r.Prefill,
		Reasoning: r.Reasoning,
	}
	switch r.Include {
	case "short":
		rec.Tier = TierShort
	case "long":
		rec.Tier = TierLong
	}
	rec.SetExclude(r.Exclude)
	if r.Remember {
		rec.SetRemember(true)
	}
	if rec.HasSummary() {
		rec.ContentHash = Fingerprint(text)
	}
	if rec.Error != "" {
		rec.FailedHash = Fingerprint(text)
	}
	return rec
}

func fromMessage(m Message) jsonlMessage {
	jm := jsonlMessage{
		Name:           m.Name,
		IsUser:         m.IsUser(),
		IsSystem:       m.IsSystem(),
		IsThoughts:     m.Kind == KindThought,
		OriginalAvatar: m.CharacterKey,
		SendDate:       m.CreatedAt.Format(time.RFC3339),
		Mes:            m.Text,
		SwipeID:        m.SwipeID,
		Extra:          jsonlExtra{Memory: fromRecord(m.Record)},
	}
	if m.Kind == KindNarrator {
		jm.Extra.Type = "narrator"
	}
	if len(m.Swipes) > 1 {
		for _, sw := range m.Swipes {
			jm.Swipes = append(jm.Swipes, sw.Text)
			jm.SwipeInfo = append(jm.SwipeInfo, jsonlSwipeInfo{Extra: jsonlExtra{Memory: fromRecord(sw.Record)}})
		}
	}
	return jm
}

func fromRecord(r Record) *jsonlRecord {
	if r == (Record{}) {
		return nil
	}
	out := &jsonlRecord{
		Memory:    r.Summary,
		Hash:      r.ContentHash,
		Remember:  r.Remember,
		Exclude:   r.Exclude,
		Error:     r.Error,
		Edited:    r.Edited,
		Prefill:   r.Prefill,
		Reasoning: r.Reasoning,
	}
	if r.Tier == TierShort || r.Tier == TierLong {
		out.Include = string(r.Tier)
	}
	return out
}
