package gotq

import "fmt"

// Kind is the content-type tag of a job.
type Kind int

const (
	Content Kind = iota
	Tool
	AddOn
	Modification
)

func (k Kind) String() string {
	switch k {
	case Content:
		return "content"
	case Tool:
		return "tool"
	case AddOn:
		return "addon"
	case Modification:
		return "modification"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Metadata identifies a job. It is comparable and used as a map key,
// an empty Version means "no version".
type Metadata struct {
	ID      string
	Version string
	Kind    Kind
}

func (m Metadata) String() string {

	if m.Version == "" {
		return fmt.Sprintf("%s:%s", m.Kind, m.ID)
	}

	return fmt.Sprintf("%s:%s@%s", m.Kind, m.ID, m.Version)
}
