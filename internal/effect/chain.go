package effect

// ValidateChain validates every descriptor and rejects duplicate ids.
func ValidateChain(chain []Descriptor) error {
	seen := make(map[string]struct{}, len(chain))
	for _, d := range chain {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.ID]; dup {
			return invalid("effects", "duplicate effect id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// Upsert replaces the descriptor with the same id in place, or appends d
// when the id is new. The input slice is not modified.
func Upsert(chain []Descriptor, d Descriptor) []Descriptor {
	out := CloneChain(chain)
	for i := range out {
		if out[i].ID == d.ID {
			out[i] = d.Clone()
			return out
		}
	}
	return append(out, d.Clone())
}

// CloneChain deep-copies a chain. A nil chain stays nil.
func CloneChain(chain []Descriptor) []Descriptor {
	if chain == nil {
		return nil
	}
	out := make([]Descriptor, len(chain))
	for i, d := range chain {
		out[i] = d.Clone()
	}
	return out
}
