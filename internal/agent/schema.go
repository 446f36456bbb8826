package agent

import "github.com/santhosh-tekuri/jsonschema/v5"

// generationSchema constrains a successful agent response. We validate
// locally before persisting anything: an agent that drifts from the
// contract must not be able to complete jobs with half-formed results.
const generationSchema = `{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["completed", "failed"]},
		"artifact_ref": {"type": "string", "minLength": 1},
		"identity": {
			"type": "object",
			"properties": {
				"human_name": {"type": "string", "minLength": 1},
				"job_title": {"type": "string", "minLength": 1},
				"seniority": {"type": "string"},
				"bio": {"type": "string"},
				"skills": {"type": "array", "items": {"type": "string"}},
				"career_trajectory": {"type": "object"},
				"similarity_score": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["human_name", "job_title"]
		},
		"pet_analysis": {
			"type": "object",
			"properties": {
				"species": {"type": "string"},
				"breed": {"type": "string"},
				"expression": {"type": "string"},
				"traits": {"type": "array", "items": {"type": "string"}}
			}
		}
	},
	"required": ["status", "artifact_ref", "identity"]
}`

func compileGenerationSchema() *jsonschema.Schema {
	return jsonschema.MustCompileString("agent_generation.json", generationSchema)
}
