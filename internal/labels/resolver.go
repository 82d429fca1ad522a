// Package labels maps change classifications to code-host label sets.
// Resolution is a total function over a closed rule table: unmapped
// combinations fail closed with no labels and a manual-review flag rather
// than guessing a mapping.
package labels

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// ErrUnmappedClassification indicates the classification has no rule entry.
var ErrUnmappedClassification = errors.New("unmapped classification")

// Kind is the label's classification tag.
type Kind string

const (
	KindAspect     Kind = "Aspect"
	KindPlatform   Kind = "Platform"
	KindExpeditor  Kind = "Expeditor"
	KindDependency Kind = "dependency"
	KindOther      Kind = "other"
)

// Label is a code-host label with its classification tag and creation
// metadata for create-if-missing.
type Label struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

var (
	aspectStability    = Label{Name: "Aspect: Stability", Kind: KindAspect, Description: "Improves reliability of existing behavior", Color: "0e8a16"}
	aspectSecurity     = Label{Name: "Aspect: Security", Kind: KindAspect, Description: "Addresses a security concern", Color: "b60205"}
	aspectFeature      = Label{Name: "Aspect: Feature", Kind: KindAspect, Description: "Adds new user-facing behavior", Color: "1d76db"}
	aspectPerformance  = Label{Name: "Aspect: Performance", Kind: KindAspect, Description: "Improves runtime performance", Color: "fbca04"}
	expeditorBumpMinor = Label{Name: "Expeditor: Bump Version Minor", Kind: KindExpeditor, Description: "Public API changed; bump the minor version", Color: "5319e7"}
	dependencyUpdate   = Label{Name: "dependency", Kind: KindDependency, Description: "Dependency update", Color: "cfd3d7"}
)

// ruleKey is the closed enumeration resolution is total over. Security
// relevance flags priority but never changes the label set, so it is not
// part of the key.
type ruleKey struct {
	changeType       string
	publicAPIChanged bool
}

var rules = map[ruleKey][]Label{
	{"bugfix", false}:      {aspectStability},
	{"bugfix", true}:       {aspectStability, expeditorBumpMinor},
	{"feature", false}:     {aspectFeature},
	{"feature", true}:      {aspectFeature, expeditorBumpMinor},
	{"security", false}:    {aspectSecurity},
	{"security", true}:     {aspectSecurity, expeditorBumpMinor},
	{"performance", false}: {aspectPerformance},
	{"performance", true}:  {aspectPerformance, expeditorBumpMinor},
	{"dependency", false}:  {dependencyUpdate},
	{"dependency", true}:   {dependencyUpdate, expeditorBumpMinor},
}

// Resolve maps a classification to its label set. Unknown combinations
// return an empty set and ErrUnmappedClassification so the caller flags the
// task for manual labeling.
func Resolve(c task.Classification) ([]Label, error) {
	set, ok := rules[ruleKey{changeType: c.Type, publicAPIChanged: c.PublicAPIChanged}]
	if !ok {
		return nil, fmt.Errorf("%w: type=%q public_api_changed=%t", ErrUnmappedClassification, c.Type, c.PublicAPIChanged)
	}

	out := make([]Label, len(set))
	copy(out, set)
	return out, nil
}

// Names extracts just the label names, the shape the code host applies.
func Names(set []Label) []string {
	names := make([]string, len(set))
	for i, l := range set {
		names[i] = l.Name
	}
	return names
}
