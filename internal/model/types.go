package model

// PetAnalysis captures what the agent extracted from the uploaded image
// before mapping it to a human identity.
type PetAnalysis struct {
	Species    string   `json:"species,omitempty"`
	Breed      string   `json:"breed,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Traits     []string `json:"traits,omitempty"`
}

// Identity is the professional identity package derived from the pet's
// personality. HumanName and JobTitle are always present on a completed
// generation; the remaining fields are best-effort.
type Identity struct {
	HumanName        string         `json:"human_name"`
	JobTitle         string         `json:"job_title"`
	Seniority        string         `json:"seniority,omitempty"`
	Bio              string         `json:"bio,omitempty"`
	Skills           []string       `json:"skills,omitempty"`
	CareerTrajectory map[string]any `json:"career_trajectory,omitempty"`
	SimilarityScore  float64        `json:"similarity_score,omitempty"`
}

// Generation is the full output of one agent run and the shape persisted
// into the job record's result column. ArtifactRef is an object reference
// (not a signed URL); signing happens at read time.
type Generation struct {
	ArtifactRef string      `json:"artifact_ref"`
	Identity    Identity    `json:"identity"`
	PetAnalysis PetAnalysis `json:"pet_analysis"`
}
