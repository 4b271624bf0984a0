// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "fmt"

// CharacterTemplate holds the persona defaults for a business type.
type CharacterTemplate struct {
	// Name is the default agent display name.
	Name string

	// Instructions is the system prompt for the agent persona.
	Instructions string

	// Tone is a short descriptor appended to the instructions.
	Tone string
}

// characterTemplates maps business type to persona defaults.
//
// Tenants can override Instructions through their configuration; the
// template only fills the gaps.
var characterTemplates = map[string]CharacterTemplate{
	"microfinance": {
		Name: "Harbor Microfinance Agent",
		Instructions: "You are a professional customer service agent specializing in " +
			"microfinance. Assist customers with loan inquiries, payment support, " +
			"and account management.",
		Tone: "professional and friendly",
	},
	"retail": {
		Name: "Harbor Retail Agent",
		Instructions: "You are a professional customer service agent specializing in " +
			"retail. Assist customers with product inquiries, order support, and " +
			"general customer service.",
		Tone: "friendly and helpful",
	},
}

// defaultTemplate is used when the business type has no template.
var defaultTemplate = CharacterTemplate{
	Name:         "Harbor Agent",
	Instructions: "You are a helpful, professional customer service agent.",
	Tone:         "professional",
}

// TemplateFor returns the character template for a business type.
func TemplateFor(businessType string) CharacterTemplate {
	if t, ok := characterTemplates[businessType]; ok {
		return t
	}
	return defaultTemplate
}

// ComposeInstructions builds the effective system prompt for a tenant.
//
// Tenant-supplied instructions win; otherwise the business-type template
// is used, with the tenant name and tone folded in.
func ComposeInstructions(tenantID string, config TenantConfig) string {
	tmpl := TemplateFor(config.BusinessType)

	instructions := config.Instructions
	if instructions == "" {
		instructions = tmpl.Instructions
	}

	name := config.Name
	if name == "" {
		name = tmpl.Name
	}

	return fmt.Sprintf("%s\nYou are acting as %q (tenant %s). Keep a %s tone.",
		instructions, name, tenantID, tmpl.Tone)
}
