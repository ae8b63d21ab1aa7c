package oe

import (
	"encoding/json"
	"strings"

	"github.com/remflow/remflow/pkg/models"
)

// ApplyPatch applies SET_IF_EMPTY patches to the attachment JSON and
// returns the patched copy plus the canonical names of the fields written.
// The input is never modified.
//
// SET_IF_EMPTY semantics:
//   - attribute present with a non-empty value: never overwritten
//   - attribute present but empty: value and label are written
//   - attribute absent: added with value and label
//
// When the service type's schema cannot be located in NonCommercialProduct
// the copy is returned unchanged with no fields written.
func ApplyPatch(content map[string]interface{}, instructions []models.PatchInstruction, serviceType string) (map[string]interface{}, []string) {
	patched := deepCopy(content)

	schemaData := findSchema(patched, schemaMapping[serviceType])
	if schemaData == nil {
		return patched, nil
	}

	attrs, _ := schemaData["attributes"].([]interface{})
	index := map[string]map[string]interface{}{}
	for _, rawAttr := range attrs {
		attr, ok := rawAttr.(map[string]interface{})
		if !ok {
			continue
		}
		if name, _ := attr["name"].(string); name != "" {
			index[normalizeName(name)] = attr
		}
	}

	var patchedNames []string
	for _, inst := range instructions {
		oeName := fieldNameToOE[inst.Field]
		if oeName == "" {
			oeName = inst.Field
		}
		label := inst.Label
		if label == "" {
			label = inst.Value
		}

		if existing, ok := index[normalizeName(oeName)]; ok {
			if valueString(existing["value"]) != "" {
				continue
			}
			existing["value"] = inst.Value
			existing["label"] = label
			patchedNames = append(patchedNames, inst.Field)
			continue
		}

		attrs = append(attrs, map[string]interface{}{
			"name":  oeName,
			"value": inst.Value,
			"label": label,
		})
		patchedNames = append(patchedNames, inst.Field)
	}

	schemaData["attributes"] = attrs
	return patched, patchedNames
}

// findSchema locates the schema data map whose key contains the substring
func findSchema(content map[string]interface{}, keySubstring string) map[string]interface{} {
	if keySubstring == "" {
		return nil
	}
	for _, schemaObj := range ncpList(content) {
		for name, data := range schemaObj {
			if !strings.Contains(name, keySubstring) {
				continue
			}
			if m, ok := data.(map[string]interface{}); ok {
				return m
			}
		}
	}
	return nil
}

// deepCopy clones the attachment via a JSON round-trip. Attachments are
// small; correctness beats speed here.
func deepCopy(content map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(content)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
