package flow

import (
	"fmt"

	"github.com/rmedina/waflow/pkg/session"
)

// FieldMeta records where a field value came from and how sure the source
// was. OCR and vision tasks attach confidence; user input uses 1.0.
type FieldMeta struct {
	Source     string
	Confidence float64
}

// FieldValue pairs a value with its provenance for batch updates.
type FieldValue struct {
	Value any
	Meta  FieldMeta
}

// Completion summarizes field-collection progress.
type Completion struct {
	Done  int
	Total int
	Pct   float64
}

// FieldBag specializes Context for flows that collect a set of named fields
// (equipment reports, incident captures). Fields live in the scratchpad
// under fieldsKey, each stored with its value, source, and confidence, so a
// later OCR pass can overwrite a low-confidence guess without losing the
// provenance trail.
type FieldBag struct {
	*Context
	required []string
}

// NewFieldBag wraps a base context with the flow's required field names.
func NewFieldBag(c *Context, required []string) *FieldBag {
	return &FieldBag{Context: c, required: required}
}

// fields returns the current field map, decoding the scratchpad.
func (b *FieldBag) fields() (map[string]any, map[string]any, error) {
	data, err := b.Data()
	if err != nil {
		return nil, nil, err
	}
	raw, ok := data[fieldsKey].(map[string]any)
	if !ok {
		raw = make(map[string]any)
	}
	return data, raw, nil
}

// GetField returns a collected field value.
func (b *FieldBag) GetField(name string) (any, bool) {
	_, fields, err := b.fields()
	if err != nil {
		return nil, false
	}
	entry, ok := fields[name].(map[string]any)
	if !ok {
		return nil, false
	}
	value, ok := entry["value"]
	return value, ok && value != nil
}

// UpdateField sets one field and commits.
func (b *FieldBag) UpdateField(name string, value any, meta FieldMeta) error {
	return b.UpdateFields(map[string]FieldValue{name: {Value: value, Meta: meta}})
}

// UpdateFields sets a batch of fields in a single commit. Background tasks
// use this to land all OCR results under one version increment.
func (b *FieldBag) UpdateFields(batch map[string]FieldValue) error {
	data, fields, err := b.fields()
	if err != nil {
		return err
	}
	for name, fv := range batch {
		fields[name] = map[string]any{
			"value":      fv.Value,
			"source":     fv.Meta.Source,
			"confidence": fv.Meta.Confidence,
		}
	}
	data[fieldsKey] = fields
	return b.UpdateData(data)
}

// GetMissingFields returns the required fields not yet collected, in the
// order they were declared.
func (b *FieldBag) GetMissingFields() []string {
	var missing []string
	for _, name := range b.required {
		if _, ok := b.GetField(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Completion reports collection progress over the required fields.
func (b *FieldBag) Completion() Completion {
	total := len(b.required)
	done := total - len(b.GetMissingFields())
	c := Completion{Done: done, Total: total}
	if total > 0 {
		c.Pct = float64(done) / float64(total) * 100
	}
	return c
}

// AllFieldsComplete reports whether every required field has a value.
func (b *FieldBag) AllFieldsComplete() bool {
	return len(b.GetMissingFields()) == 0
}

// ============================================
// CONFIRMATION PROTOCOL
// ============================================

// RequestConfirmation stashes a pending payload and moves to the
// confirmation state. The payload is applied only on acceptance.
func (b *FieldBag) RequestConfirmation(nextState string, payload map[string]any) error {
	data, err := b.Data()
	if err != nil {
		return err
	}
	data[confirmationKey] = payload
	return b.ChangeState(nextState, data)
}

// PendingConfirmation returns the stashed payload, if any.
func (b *FieldBag) PendingConfirmation() (map[string]any, bool) {
	data, err := b.Data()
	if err != nil {
		return nil, false
	}
	payload, ok := data[confirmationKey].(map[string]any)
	return payload, ok
}

// AcceptConfirmation folds the pending payload into the field bag and moves
// to nextState.
func (b *FieldBag) AcceptConfirmation(nextState string) error {
	data, fields, err := b.fields()
	if err != nil {
		return err
	}
	if payload, ok := data[confirmationKey].(map[string]any); ok {
		for name, value := range payload {
			fields[name] = map[string]any{
				"value":      value,
				"source":     "confirmation",
				"confidence": 1.0,
			}
		}
	}
	data[fieldsKey] = fields
	delete(data, confirmationKey)
	return b.ChangeState(nextState, data)
}

// RejectConfirmation drops the pending payload and returns to returnState.
func (b *FieldBag) RejectConfirmation(returnState string) error {
	data, err := b.Data()
	if err != nil {
		return err
	}
	delete(data, confirmationKey)
	return b.ChangeState(returnState, data)
}

// ============================================
// EQUIPMENT BINDING
// ============================================

// AttachEquipment binds the session to a domain entity and commits. The
// snapshot's equipment reference is updated only on success.
func (b *FieldBag) AttachEquipment(equipmentID string) error {
	data, err := b.Data()
	if err != nil {
		return err
	}
	return b.commit(b.Session.State, data, &equipmentID, "attach_equipment")
}

// LookupEquipmentByCode resolves a user-entered equipment code through the
// injected directory.
func (b *FieldBag) LookupEquipmentByCode(code string) (*Equipment, error) {
	if b.deps.Directory == nil {
		return nil, fmt.Errorf("equipment directory not configured")
	}
	if code == "" {
		return nil, &session.ValidationError{Field: "equipment_code", Reason: "empty"}
	}
	return b.deps.Directory.FindByCode(b.ctx, code)
}
