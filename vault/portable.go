package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"pqchat/crypto"
	"pqchat/models"
	"pqchat/storage"
)

// portableBody is the checksummed part of a PortableConversation.
type portableBody struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []*models.Message   `json:"messages"`
}

// ExportMessages exports one conversation, or every conversation when
// conversationID is empty.
func (v *Vault) ExportMessages(conversationID string) ([]*models.PortableConversation, error) {
	var convs []*models.Conversation
	if conversationID != "" {
		conv, err := v.GetConversation(conversationID)
		if err != nil {
			return nil, err
		}
		convs = []*models.Conversation{conv}
	} else {
		var err error
		if convs, err = v.ListConversations(); err != nil {
			return nil, err
		}
	}

	out := make([]*models.PortableConversation, 0, len(convs))
	for _, conv := range convs {
		portable, err := v.exportConversation(conv)
		if err != nil {
			return nil, err
		}
		out = append(out, portable)
	}
	return out, nil
}

func (v *Vault) exportConversation(conv *models.Conversation) (*models.PortableConversation, error) {
	records, err := v.store.QueryMessages(storage.MessageQuery{ConversationID: conv.ID, Ascending: true})
	if err != nil {
		return nil, fmt.Errorf("export conversation %q: %w", conv.ID, err)
	}

	messages := make([]*models.Message, 0, len(records))
	for i := range records {
		msg, err := v.openMessage(&records[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	checksum, err := portableChecksum(conv, messages)
	if err != nil {
		return nil, err
	}
	return &models.PortableConversation{
		Conversation: *conv,
		Messages:     messages,
		ExportedAt:   v.now(),
		TotalSize:    totalSize(messages),
		Checksum:     checksum,
	}, nil
}

// ImportMessages imports each portable conversation atomically. A
// conversation whose checksum or size does not match is rejected as a whole
// with crypto.ErrIntegrity; the others are still imported. It returns the
// IDs of the imported conversations and the joined rejection errors.
func (v *Vault) ImportMessages(portables ...*models.PortableConversation) ([]string, error) {
	imported := make([]string, 0, len(portables))
	var errs []error
	for _, p := range portables {
		if err := v.importConversation(p); err != nil {
			errs = append(errs, err)
			continue
		}
		imported = append(imported, p.Conversation.ID)
	}
	return imported, errors.Join(errs...)
}

func (v *Vault) importConversation(p *models.PortableConversation) error {
	if p == nil {
		return errors.New("vault: nil portable conversation")
	}
	conv := p.Conversation
	if err := v.verifyPortable(p); err != nil {
		v.rejectImport(conv.ID, err)
		return err
	}

	convRecord, err := v.sealConversation(&conv)
	if err != nil {
		return err
	}
	records := make([]storage.MessageRecord, 0, len(p.Messages))
	for _, msg := range p.Messages {
		if msg.Metadata.ConversationID != conv.ID {
			err := fmt.Errorf("import conversation %q: message %q belongs to %q", conv.ID, msg.ID, msg.Metadata.ConversationID)
			v.rejectImport(conv.ID, err)
			return err
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("import conversation %q: %w", conv.ID, err)
		}
		record, err := v.sealMessage(msg)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.ImportConversation(convRecord, records); err != nil {
		return fmt.Errorf("import conversation %q: %w", conv.ID, err)
	}
	for _, msg := range p.Messages {
		v.index.put(msg)
		v.remember(msg)
		if err := v.recordSync(msg.ID, storage.SyncOpCreate); err != nil {
			return err
		}
	}

	v.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"messages":        len(p.Messages),
	}).Info("Imported conversation")
	return nil
}

func (v *Vault) verifyPortable(p *models.PortableConversation) error {
	if p.Conversation.ID == "" {
		return fmt.Errorf("%w: portable conversation has no id", crypto.ErrIntegrity)
	}
	if p.Source != nil {
		encoded, err := encodePortableElement(p)
		if err != nil {
			return err
		}
		if !bytes.Equal(encoded, p.Source) {
			return fmt.Errorf("import conversation %q: %w: export is not in canonical form", p.Conversation.ID, crypto.ErrIntegrity)
		}
	}
	body, err := canonicalBody(&p.Conversation, p.Messages)
	if err != nil {
		return err
	}
	if !crypto.VerifyChecksum(body, p.Checksum) {
		return fmt.Errorf("import conversation %q: %w: checksum mismatch", p.Conversation.ID, crypto.ErrIntegrity)
	}
	if size := totalSize(p.Messages); size != p.TotalSize {
		return fmt.Errorf("import conversation %q: %w: total size %d, want %d", p.Conversation.ID, crypto.ErrIntegrity, size, p.TotalSize)
	}
	return nil
}

func (v *Vault) rejectImport(conversationID string, cause error) {
	v.log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"error":           cause,
	}).Error("Rejected conversation import")

	details, _ := json.Marshal(map[string]string{"conversation_id": conversationID, "error": cause.Error()})
	if err := v.store.LogSecurityEvent(storage.SecurityEvent{
		EventType: storage.SecurityEventImportRejected,
		Details:   string(details),
		Severity:  storage.SecuritySeverityCritical,
	}); err != nil {
		v.log.WithError(err).Warn("Failed to record import rejection")
	}
}

const (
	portableIndent = "  "
	// portableElementPrefix is the indentation of an element inside the
	// top-level array of an export file.
	portableElementPrefix = portableIndent
)

// WritePortable encodes an export file.
func WritePortable(w io.Writer, portables []*models.PortableConversation) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", portableIndent)
	if err := enc.Encode(portables); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// ReadPortable decodes an export file written by WritePortable. Unknown
// fields are rejected so a mangled key cannot silently drop data, and each
// conversation keeps its source bytes so ImportMessages can reject any
// encoding that WritePortable would not have produced.
func ReadPortable(r io.Reader) ([]*models.PortableConversation, error) {
	dec := json.NewDecoder(r)
	var elements []json.RawMessage
	if err := dec.Decode(&elements); err != nil {
		return nil, fmt.Errorf("%w: decode export: %v", crypto.ErrIntegrity, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after export", crypto.ErrIntegrity)
	}

	portables := make([]*models.PortableConversation, 0, len(elements))
	for i, element := range elements {
		elemDec := json.NewDecoder(bytes.NewReader(element))
		elemDec.DisallowUnknownFields()
		var p models.PortableConversation
		if err := elemDec.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: decode export conversation %d: %v", crypto.ErrIntegrity, i, err)
		}
		p.Source = append([]byte(nil), element...)
		portables = append(portables, &p)
	}
	return portables, nil
}

// encodePortableElement reproduces the bytes WritePortable emits for p as
// an element of the exported array.
func encodePortableElement(p *models.PortableConversation) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent(portableElementPrefix, portableIndent)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode export conversation: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func portableChecksum(conv *models.Conversation, messages []*models.Message) (string, error) {
	body, err := canonicalBody(conv, messages)
	if err != nil {
		return "", err
	}
	return crypto.Checksum(body), nil
}

func canonicalBody(conv *models.Conversation, messages []*models.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(portableBody{Conversation: *conv, Messages: messages}); err != nil {
		return nil, fmt.Errorf("encode canonical export: %w", err)
	}
	return buf.Bytes(), nil
}

func totalSize(messages []*models.Message) int64 {
	var n int64
	for _, msg := range messages {
		n += int64(len(msg.Content.Data))
	}
	return n
}
