package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"github.com/anmitsu/go-shlex"
	"strings"
)

const (
	generalKey       = "general"
	shellKey         = "shell"
	customCommandKey = "custom_command"
)

// Document is the settings file contents. Sections and keys that the terminal server
// doesn't interpret itself (themes and the like) are kept in Extra and survive a save.
type Document struct {
	General General
	Extra   map[string]json.RawMessage
}

type General struct {
	Shell         string
	CustomCommand string
	Extra         map[string]json.RawMessage
}

// Default is what gets persisted when there's no usable settings file. The empty shell
// delegates to the default shell resolution at spawn time.
func Default() Document {
	return Document{}
}

func (document Document) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{}, len(document.Extra)+1)
	for key, value := range document.Extra {
		fields[key] = value
	}
	fields[generalKey] = document.General

	return json.Marshal(fields)
}

func (document *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	general, ok := fields[generalKey]
	if !ok || bytes.Equal(bytes.TrimSpace(general), []byte("null")) {
		return fmt.Errorf("%w: missing %q section", ErrInvalid, generalKey)
	}

	var result Document
	if err := json.Unmarshal(general, &result.General); err != nil {
		return err
	}

	delete(fields, generalKey)
	if len(fields) != 0 {
		result.Extra = fields
	}

	*document = result

	return nil
}

func (general General) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{}, len(general.Extra)+2)
	for key, value := range general.Extra {
		fields[key] = value
	}
	fields[shellKey] = general.Shell
	if general.CustomCommand != "" {
		fields[customCommandKey] = general.CustomCommand
	}

	return json.Marshal(fields)
}

func (general *General) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var result General

	for key, target := range map[string]*string{
		shellKey:         &result.Shell,
		customCommandKey: &result.CustomCommand,
	} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		delete(fields, key)

		// null is how the settings page clears a value
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}

		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("%w: %s.%s must be a string", ErrInvalid, generalKey, key)
		}
	}

	if len(fields) != 0 {
		result.Extra = fields
	}

	*general = result

	return nil
}

// Equal compares documents by their canonical JSON representation.
func (document Document) Equal(other Document) bool {
	left, err := json.Marshal(document)
	if err != nil {
		return false
	}

	right, err := json.Marshal(other)
	if err != nil {
		return false
	}

	return bytes.Equal(left, right)
}

func (document Document) Clone() Document {
	return Document{
		General: General{
			Shell:         document.General.Shell,
			CustomCommand: document.General.CustomCommand,
			Extra:         cloneRaw(document.General.Extra),
		},
		Extra: cloneRaw(document.Extra),
	}
}

func Validate(document Document) error {
	if strings.ContainsRune(document.General.Shell, 0) {
		return fmt.Errorf("%w: %s.%s contains a NUL byte", ErrInvalid, generalKey, shellKey)
	}

	if _, err := shlex.Split(document.General.Shell, true); err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalid, generalKey, shellKey, err)
	}

	if strings.ContainsRune(document.General.CustomCommand, 0) {
		return fmt.Errorf("%w: %s.%s contains a NUL byte", ErrInvalid, generalKey, customCommandKey)
	}

	for key, value := range document.Extra {
		if !json.Valid(value) {
			return fmt.Errorf("%w: section %q is not valid JSON", ErrInvalid, key)
		}
	}

	for key, value := range document.General.Extra {
		if !json.Valid(value) {
			return fmt.Errorf("%w: %s.%s is not valid JSON", ErrInvalid, generalKey, key)
		}
	}

	return nil
}

func cloneRaw(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if fields == nil {
		return nil
	}

	result := make(map[string]json.RawMessage, len(fields))
	for key, value := range fields {
		result[key] = append(json.RawMessage(nil), value...)
	}

	return result
}
