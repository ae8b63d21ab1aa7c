package oe

import (
	"fmt"
	"strings"

	"github.com/remflow/remflow/pkg/models"
)

// Service types handled by OE remediation
const (
	TypeVoice  = "Voice"
	TypeFibre  = "Fibre Service"
	TypeESMS   = "eSMS Service"
	TypeAccess = "Access Service"
)

// MandatoryFields lists the NonCommercialProduct attributes that must be
// populated per service type.
var MandatoryFields = map[string][]string{
	TypeVoice:  {"ReservedNumber", "ResourceSystemGroupID", "NumberStatus", "PICEmail"},
	TypeFibre:  {"BillingAccount"},
	TypeESMS:   {"ReservedNumber", "eSMSUserName"},
	TypeAccess: {"BillingAccount", "PICEmail"},
}

// fieldAliases maps each canonical field to the spellings seen in attachments.
// Matching normalizes to lowercase with spaces stripped.
var fieldAliases = map[string][]string{
	"ReservedNumber": {
		"ReservedNumber", "reservedNumber", "Reserved Number",
		"reserved number", "Reserved_Number",
	},
	"ResourceSystemGroupID": {
		"ResourceSystemGroupID", "resourceSystemGroupId",
		"Resource System Group ID", "ResourceSystemGroupId",
	},
	"NumberStatus": {
		"NumberStatus", "numberStatus", "Number Status", "Number_Status",
	},
	"PICEmail": {
		"PICEmail", "picEmail", "PIC Email", "PIC_Email", "pic email",
	},
	"BillingAccount": {
		"BillingAccount", "billingAccount", "Billing Account",
		"billing account", "Billing_Account",
	},
	"eSMSUserName": {
		"eSMSUserName", "esmsUserName", "eSMS UserName",
		"eSMS_UserName", "esms username",
	},
}

// schemaMapping maps a service type to the substring identifying its schema
// key inside NonCommercialProduct.
var schemaMapping = map[string]string{
	TypeVoice:  "Voice OE",
	TypeFibre:  "Fibre Service OE",
	TypeESMS:   "eSMS OE",
	TypeAccess: "Access OE",
}

// fieldNameToOE maps canonical field names to the attribute names used in
// the attachment JSON. Some attribute names carry spaces.
var fieldNameToOE = map[string]string{
	"BillingAccount":        "Billing Account",
	"ReservedNumber":        "ReservedNumber",
	"ResourceSystemGroupID": "ResourceSystemGroupID",
	"NumberStatus":          "NumberStatus",
	"PICEmail":              "PIC Email",
	"eSMSUserName":          "eSMS UserName",
}

// voiceConstants are the fixed values for Voice services
var voiceConstants = map[string]string{
	"ResourceSystemGroupID": "Migrated",
	"NumberStatus":          "Reserved",
}

func normalizeName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "")
}

// valueString renders an attribute value for emptiness checks
func valueString(v interface{}) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

// Analysis is the outcome of checking an attachment for missing fields
type Analysis struct {
	ServiceType     string            `json:"serviceType"`
	MandatoryFields []string          `json:"mandatoryFields"`
	MissingFields   []string          `json:"missingFields"`
	PresentFields   map[string]string `json:"presentFields"`
	HasIssue        bool              `json:"has1867Issue"`
}

// InferServiceType determines the service type from the product definition
// name, falling back to the schema keys present in NonCommercialProduct.
// Returns "" when neither identifies a known type.
func InferServiceType(productDefinitionName string, content map[string]interface{}) string {
	name := strings.ToLower(productDefinitionName)
	switch {
	case strings.Contains(name, "voice"):
		return TypeVoice
	case strings.Contains(name, "fibre"):
		return TypeFibre
	case strings.Contains(name, "esms"), strings.Contains(name, "e-sms"):
		return TypeESMS
	case strings.Contains(name, "access"):
		return TypeAccess
	}

	for _, schemaObj := range ncpList(content) {
		for key := range schemaObj {
			keyLower := strings.ToLower(key)
			switch {
			case strings.Contains(keyLower, "voice oe"):
				return TypeVoice
			case strings.Contains(keyLower, "fibre service oe"):
				return TypeFibre
			case strings.Contains(keyLower, "esms oe"), strings.Contains(keyLower, "e-sms oe"):
				return TypeESMS
			case strings.Contains(keyLower, "access oe"):
				return TypeAccess
			}
		}
	}
	return ""
}

// Analyze checks the attachment's NonCommercialProduct attributes for the
// mandatory fields of the given service type. CommercialProduct is never
// inspected. Pure: content is not modified.
func Analyze(content map[string]interface{}, serviceType string) Analysis {
	required := MandatoryFields[serviceType]
	analysis := Analysis{
		ServiceType:     serviceType,
		MandatoryFields: required,
		PresentFields:   map[string]string{},
	}
	if len(required) == 0 {
		return analysis
	}

	index := buildAttributeIndex(content)

	for _, field := range required {
		aliases := fieldAliases[field]
		if len(aliases) == 0 {
			aliases = []string{field}
		}
		found := false
		for _, alias := range aliases {
			if value, ok := index[normalizeName(alias)]; ok {
				if s := valueString(value); s != "" {
					analysis.PresentFields[field] = s
					found = true
					break
				}
			}
		}
		if !found {
			analysis.MissingFields = append(analysis.MissingFields, field)
		}
	}

	analysis.HasIssue = len(analysis.MissingFields) > 0
	return analysis
}

// BuildPatchInstructions resolves values for the missing fields from the
// fixed Voice constants and the enrichment data. Fields with no resolvable
// value are dropped from the output.
func BuildPatchInstructions(missing []string, enrichment models.EnrichmentData) []models.PatchInstruction {
	var instructions []models.PatchInstruction

	for _, field := range missing {
		var value, label string

		if constant, ok := voiceConstants[field]; ok {
			value, label = constant, constant
		} else {
			switch field {
			case "ReservedNumber":
				value, label = enrichment.ReservedNumber, enrichment.ReservedNumber
			case "PICEmail":
				value, label = enrichment.PICEmail, enrichment.PICEmail
			case "BillingAccount":
				value = enrichment.BillingAccountID
				label = enrichment.BillingAccountName
				if label == "" {
					label = value
				}
			case "eSMSUserName":
				// eSMS user names default to the PIC email
				value, label = enrichment.PICEmail, enrichment.PICEmail
			}
		}

		if value == "" {
			continue
		}
		instructions = append(instructions, models.PatchInstruction{
			Field: field,
			Value: value,
			Label: label,
		})
	}
	return instructions
}

// ncpList extracts NonCommercialProduct as a list of schema objects,
// tolerating absent or malformed shapes.
func ncpList(content map[string]interface{}) []map[string]interface{} {
	raw, ok := content["NonCommercialProduct"].([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, item := range raw {
		if obj, ok := item.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// buildAttributeIndex flattens every NonCommercialProduct attribute into a
// normalized-name index.
func buildAttributeIndex(content map[string]interface{}) map[string]interface{} {
	index := map[string]interface{}{}
	for _, schemaObj := range ncpList(content) {
		for _, schemaData := range schemaObj {
			data, ok := schemaData.(map[string]interface{})
			if !ok {
				continue
			}
			attrs, ok := data["attributes"].([]interface{})
			if !ok {
				continue
			}
			for _, rawAttr := range attrs {
				attr, ok := rawAttr.(map[string]interface{})
				if !ok {
					continue
				}
				name, _ := attr["name"].(string)
				if normalized := normalizeName(name); normalized != "" {
					index[normalized] = attr["value"]
				}
			}
		}
	}
	return index
}
