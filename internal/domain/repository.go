package domain

// Repository represents a GitHub repository owned by the signed-in user
type Repository struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	URL         string  `json:"url"`
	Description *string `json:"description"`
	IsFork      bool    `json:"is_fork"`
}

// FullName returns "owner/name"
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// FilterForks returns only the repositories that are forks, preserving order
func FilterForks(repos []Repository) []Repository {
	forks := make([]Repository, 0, len(repos))
	for _, repo := range repos {
		if repo.IsFork {
			forks = append(forks, repo)
		}
	}
	return forks
}

// ExcludeIDs drops repositories whose ID is in ids. Used to hide repositories
// that were already processed by a batch while the remote listing catches up.
func ExcludeIDs(repos []Repository, ids []string) []Repository {
	if len(ids) == 0 {
		return repos
	}
	skip := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	kept := make([]Repository, 0, len(repos))
	for _, repo := range repos {
		if _, ok := skip[repo.ID]; !ok {
			kept = append(kept, repo)
		}
	}
	return kept
}
