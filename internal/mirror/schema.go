package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const normalizedRecordSchemaURL = "mirrorsync://schemas/normalized-record.json"

const normalizedRecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "updatedAt"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "kind": {"type": "string"},
    "updatedAt": {"type": "string", "format": "date-time"},
    "ownerId": {"type": "string"},
    "state": {"type": "string"},
    "parentId": {"type": "string"},
    "fields": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "readOnlyFields": {
      "type": "array",
      "items": {"type": "string"}
    }
  }
}`

var recordSchema struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchema.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(normalizedRecordSchema)))
		if err != nil {
			recordSchema.err = err
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(normalizedRecordSchemaURL, doc); err != nil {
			recordSchema.err = err
			return
		}
		recordSchema.schema, recordSchema.err = c.Compile(normalizedRecordSchemaURL)
	})
	return recordSchema.schema, recordSchema.err
}

// DecodeRecord validates raw JSON against the normalized record schema and
// decodes it. Validation failures wrap ErrInvalidInput.
func DecodeRecord(raw []byte) (NormalizedRecord, error) {
	schema, err := compiledRecordSchema()
	if err != nil {
		return NormalizedRecord{}, fmt.Errorf("compile record schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return NormalizedRecord{}, fmt.Errorf("%w: malformed json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return NormalizedRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var record NormalizedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return NormalizedRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return record, nil
}

type rawWebhookEvent struct {
	Action      EventAction     `json:"action"`
	WorkspaceID string          `json:"workspaceId"`
	Issue       json.RawMessage `json:"issue"`
	IssueID     string          `json:"issueId"`
	Record      json.RawMessage `json:"record"`
	RecordID    string          `json:"recordId"`
}

// DecodeEvent decodes a webhook body, validating any subject against the
// normalized record schema.
func DecodeEvent(raw []byte) (WebhookEvent, error) {
	var envelope rawWebhookEvent
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: malformed event: %v", ErrInvalidInput, err)
	}
	event := WebhookEvent{
		Action:      envelope.Action,
		WorkspaceID: envelope.WorkspaceID,
		IssueID:     envelope.IssueID,
		RecordID:    envelope.RecordID,
	}
	var err error
	if event.Issue, err = decodeSubject(envelope.Issue); err != nil {
		return WebhookEvent{}, fmt.Errorf("issue: %w", err)
	}
	if event.Record, err = decodeSubject(envelope.Record); err != nil {
		return WebhookEvent{}, fmt.Errorf("record: %w", err)
	}
	return event, nil
}

func decodeSubject(raw json.RawMessage) (*NormalizedRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	record, err := DecodeRecord(trimmed)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
