package llm

import (
	"strings"
)

// maxPromptMarkdown bounds how much OCR text rides in one prompt.
const maxPromptMarkdown = 24000

// BuildExtractSystemPrompt composes the system message for an extract call.
func BuildExtractSystemPrompt(req ExtractRequest) string {
	parts := []string{
		"You are a document data extractor. Return ONLY JSON that matches the provided JSON Schema.",
		"Use the document text verbatim where possible. Do not invent values.",
		"Never output null. If a field is not present in the document, omit it unless the schema requires it.",
	}
	if req.Hints != "" {
		parts = append(parts, "Caller guidance: "+req.Hints)
	}
	return strings.Join(parts, " ")
}

// BuildExtractUserPrompt packages the Markdown plus the schema document.
func BuildExtractUserPrompt(req ExtractRequest) string {
	var b strings.Builder
	b.WriteString("JSON Schema:\n")
	b.Write(req.Schema.JSON())
	b.WriteString("\n\nDocument (Markdown):\n")
	md := req.Markdown
	if len(md) > maxPromptMarkdown {
		b.WriteString(md[:maxPromptMarkdown])
		b.WriteString("\n…(truncated)")
	} else {
		b.WriteString(md)
	}
	b.WriteString("\n\nReturn ONLY JSON that matches the schema.")
	return b.String()
}

// BuildRepairPrompt asks for valid JSON only, given a first response that
// failed parsing or shape validation.
func BuildRepairPrompt(previous string, req ExtractRequest) string {
	var b strings.Builder
	b.WriteString("Your previous response was not a single valid JSON object matching the schema.\n")
	b.WriteString("Previous response:\n")
	b.WriteString(previous)
	b.WriteString("\n\nJSON Schema:\n")
	b.Write(req.Schema.JSON())
	b.WriteString("\n\nRespond with exactly one valid JSON object and nothing else.")
	return b.String()
}

// BuildSchemaGenPrompts asks the model to propose a JSON Schema for a document.
func BuildSchemaGenPrompts(markdown, hints string) (system, user string) {
	system = strings.Join([]string{
		"You design JSON Schemas for structured document extraction.",
		`Return ONLY a JSON object of the shape {"name": string, "description": string, "schema": object}.`,
		"The schema value must be a JSON Schema object with type, properties, and required.",
	}, " ")

	var b strings.Builder
	if hints != "" {
		b.WriteString("Guidance: ")
		b.WriteString(hints)
		b.WriteString("\n\n")
	}
	b.WriteString("Document (Markdown):\n")
	if len(markdown) > maxPromptMarkdown {
		b.WriteString(markdown[:maxPromptMarkdown])
		b.WriteString("\n…(truncated)")
	} else {
		b.WriteString(markdown)
	}
	return system, b.String()
}
