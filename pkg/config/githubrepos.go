package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GitHubReposConfig maps image repositories to the GitHub repositories
// whose releases track them:
//
//	github_repos:
//	  nginx: nginx/nginx
//	  ghcr.io/owner/app: owner/app
type GitHubReposConfig struct {
	GitHubRepos map[string]string `yaml:"github_repos"`
}

// LoadGitHubRepos reads the mapping file. An empty filename yields an empty map.
func LoadGitHubRepos(filename string) (map[string]string, error) {
	if filename == "" {
		return map[string]string{}, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read GitHub repository mappings: %w", err)
	}

	var cfg GitHubReposConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse GitHub repository mappings: %w", err)
	}

	repos := make(map[string]string, len(cfg.GitHubRepos))
	for image, repo := range cfg.GitHubRepos {
		owner, name, ok := strings.Cut(repo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return nil, fmt.Errorf("invalid GitHub repository %q for image %s, expected owner/repo", repo, image)
		}
		repos[image] = repo
	}
	return repos, nil
}
