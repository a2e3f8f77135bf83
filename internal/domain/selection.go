package domain

// Selection is an ordered, duplicate-free set of repositories picked for deletion.
// Identity is the repository ID.
type Selection struct {
	items []Repository
}

// NewSelection builds a selection from repos, keeping the first occurrence of each ID
func NewSelection(repos []Repository) *Selection {
	s := &Selection{}
	for _, repo := range repos {
		if !s.Contains(repo.ID) {
			s.items = append(s.items, repo)
		}
	}
	return s
}

// Toggle adds repo when it is not selected and removes it otherwise.
// It reports whether the repository is selected afterwards.
func (s *Selection) Toggle(repo Repository) bool {
	if i := s.indexOf(repo.ID); i >= 0 {
		s.items = append(s.items[:i], s.items[i+1:]...)
		return false
	}
	s.items = append(s.items, repo)
	return true
}

// Contains reports whether a repository with the given ID is selected
func (s *Selection) Contains(id string) bool {
	return s.indexOf(id) >= 0
}

// Len returns the number of selected repositories
func (s *Selection) Len() int {
	return len(s.items)
}

// Clear empties the selection
func (s *Selection) Clear() {
	s.items = nil
}

// Items returns a copy of the selected repositories in selection order.
// Later changes to the selection do not affect the returned slice.
func (s *Selection) Items() []Repository {
	return CloneRepositories(s.items)
}

func (s *Selection) indexOf(id string) int {
	for i, repo := range s.items {
		if repo.ID == id {
			return i
		}
	}
	return -1
}

// CloneRepositories deep-copies repos, including the description pointers
func CloneRepositories(repos []Repository) []Repository {
	if repos == nil {
		return nil
	}
	out := make([]Repository, len(repos))
	for i, repo := range repos {
		out[i] = repo
		if repo.Description != nil {
			desc := *repo.Description
			out[i].Description = &desc
		}
	}
	return out
}
