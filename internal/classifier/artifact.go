// Package classifier loads the trained anomaly model and scores feature
// vectors against it.
//
// The model is produced by an offline training pipeline and shipped as a
// JSON artifact: a gradient-boosted tree ensemble plus the metadata needed
// to refuse artifacts the engine cannot serve (feature width, decision
// threshold, ensemble shape). An absent or incompatible artifact is a
// deployment fault and fails startup; a malformed vector at scoring time is
// recoverable and reported per event.
package classifier

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sentryd/internal/feature"
)

//go:embed artifact_schema.json
var artifactSchemaJSON []byte

const supportedSchemaVersion = 1
const supportedModelType = "gradient_boosted_trees"

// Node is one decision node. Leaf nodes carry Value; internal nodes route
// on Feature against Threshold, strictly-less going left.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
}

// Tree is one member of the ensemble, nodes indexed from the root at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Hyperparameters records how the artifact was trained. Informational,
// logged at load time.
type Hyperparameters struct {
	NEstimators  int     `json:"n_estimators"`
	MaxDepth     int     `json:"max_depth"`
	LearningRate float64 `json:"learning_rate"`
}

// Artifact is the on-disk model file.
type Artifact struct {
	SchemaVersion   int             `json:"schema_version"`
	ModelType       string          `json:"model_type"`
	FeatureCount    int             `json:"feature_count"`
	Threshold       float64         `json:"threshold"`
	BaseScore       float64         `json:"base_score"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	Trees           []Tree          `json:"trees"`
}

// LoadArtifact reads, schema-validates, and structurally validates a model
// artifact. Any failure is fatal to startup by contract.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	return ParseArtifact(data)
}

// ParseArtifact validates and decodes artifact bytes.
func ParseArtifact(data []byte) (*Artifact, error) {
	schema, err := jsonschema.CompileString("artifact_schema.json", string(artifactSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile artifact schema: %w", err)
	}

	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("model artifact failed schema validation: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact: %w", err)
	}
	return &a, nil
}

// validate enforces the compatibility rules the JSON Schema cannot express.
func (a *Artifact) validate() error {
	if a.SchemaVersion != supportedSchemaVersion {
		return fmt.Errorf("schema version %d, supported %d", a.SchemaVersion, supportedSchemaVersion)
	}
	if a.ModelType != supportedModelType {
		return fmt.Errorf("model type %q, supported %q", a.ModelType, supportedModelType)
	}
	if a.FeatureCount != feature.Width {
		return fmt.Errorf("trained for %d features, extractor produces %d", a.FeatureCount, feature.Width)
	}
	if a.Threshold <= 0 || a.Threshold >= 1 {
		return fmt.Errorf("threshold %v outside (0, 1)", a.Threshold)
	}
	if len(a.Trees) == 0 {
		return fmt.Errorf("empty ensemble")
	}

	for ti, tree := range a.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range tree.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= a.FeatureCount {
				return fmt.Errorf("tree %d node %d routes on feature %d of %d", ti, ni, n.Feature, a.FeatureCount)
			}
			// Children must move strictly forward so traversal terminates.
			if n.Left <= ni || n.Left >= len(tree.Nodes) || n.Right <= ni || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children (%d, %d)", ti, ni, n.Left, n.Right)
			}
		}
	}

	return nil
}

// PredictProbability runs the ensemble on one vector and returns the
// calibrated anomaly probability.
func (a *Artifact) PredictProbability(vec feature.Vector) (float64, error) {
	if len(vec) != a.FeatureCount {
		return 0, fmt.Errorf("vector width %d, model wants %d: %w", len(vec), a.FeatureCount, ErrMalformedVector)
	}
	for i, x := range vec {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("feature %d is %v: %w", i, x, ErrMalformedVector)
		}
	}

	margin := a.BaseScore
	for i := range a.Trees {
		margin += a.Trees[i].traverse(vec)
	}
	return sigmoid(margin), nil
}

func (t *Tree) traverse(vec feature.Vector) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if vec[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
