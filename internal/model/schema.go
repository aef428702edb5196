package model

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed schema/blueprint_schema.json
var embeddedSchema []byte

// BlueprintSchema is the versioned JSON schema resource. It is loaded once at
// startup and its defaults seed placeholder blueprints.
type BlueprintSchema struct {
	Version  string
	Raw      json.RawMessage
	Defaults SchemaDefaults
}

// SchemaDefaults are the default values declared by the schema.
type SchemaDefaults struct {
	TimeSignature string
	SectionEnergy float64
	VoiceModelID  string
	SpeakerBoost  bool
}

type schemaProperty struct {
	Default json.RawMessage `json:"default"`
}

type schemaDocument struct {
	Version    string                    `json:"version"`
	Properties map[string]schemaProperty `json:"properties"`
	Defs       map[string]struct {
		Properties map[string]schemaProperty `json:"properties"`
	} `json:"$defs"`
}

// LoadSchema reads the schema from path, or the embedded copy when path is
// empty.
func LoadSchema(path string) (*BlueprintSchema, error) {
	data := embeddedSchema
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read blueprint schema: %w", err)
		}
		data = b
	}
	return ParseSchema(data)
}

// ParseSchema decodes a schema document and extracts its defaults. Missing
// defaults fall back to 4/4, 0.5, eleven_multilingual_v2 and true.
func ParseSchema(data []byte) (*BlueprintSchema, error) {
	var doc schemaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint schema: %w", err)
	}

	defaults := SchemaDefaults{
		TimeSignature: "4/4",
		SectionEnergy: 0.5,
		VoiceModelID:  "eleven_multilingual_v2",
		SpeakerBoost:  true,
	}
	readDefault(doc.Properties["time_signature"], &defaults.TimeSignature)
	if sec, ok := doc.Defs["section"]; ok {
		readDefault(sec.Properties["energy"], &defaults.SectionEnergy)
	}
	if voice, ok := doc.Defs["voice"]; ok {
		readDefault(voice.Properties["model_id"], &defaults.VoiceModelID)
		readDefault(voice.Properties["speaker_boost"], &defaults.SpeakerBoost)
	}

	return &BlueprintSchema{
		Version:  doc.Version,
		Raw:      json.RawMessage(data),
		Defaults: defaults,
	}, nil
}

func readDefault[T any](p schemaProperty, dst *T) {
	if len(p.Default) == 0 {
		return
	}
	var v T
	if err := json.Unmarshal(p.Default, &v); err == nil {
		*dst = v
	}
}
