package llm

import (
	"fmt"
	"strings"
)

// Extraction prompt contract. The model must answer with a bare JSON
// array; anything else is rejected at the boundary and retried once
// with the repair instruction appended.
const extractPromptHeader = `You are an intelligence analyst. Messages may be in Arabic, Hebrew, or English; handle all three.
Extract structured event records from the numbered messages below.
Several messages may describe the same occurrence; merge them into one record and list all their indices.
A message may also yield zero or several records.

Return ONLY a valid JSON array (no markdown fences, no extra text). Each element:
{
  "kind": "one of: strike, movement, casualty, claim, statement, other",
  "location": "place name as reported, or empty string",
  "lat": optional number,
  "lon": optional number,
  "entities": ["named actors, groups, or forces mentioned"],
  "time_hint": "reported time if stated, else null",
  "summary": "one short neutral sentence in English",
  "confidence_self": number between 0.0 and 1.0,
  "source_msg_indices": [zero-based indices of the messages this record is drawn from]
}
If a message carries no event, simply omit it from the output.
If an event is explicitly denied or retracted, extract it with the denial stated in the summary.

Messages:
`

const repairInstruction = `

Your previous answer was not valid JSON conforming to the schema. Respond again with ONLY the JSON array described above. No prose, no fences.`

// BuildExtractPrompt renders the batch extraction prompt. Order of the
// numbered messages is the contract for source_msg_indices.
func BuildExtractPrompt(texts []string, repair bool) string {
	var sb strings.Builder

	sb.WriteString(extractPromptHeader)

	for i, t := range texts {
		fmt.Fprintf(&sb, "[%d] %s\n", i, t)
	}

	if repair {
		sb.WriteString(repairInstruction)
	}

	return sb.String()
}
