package scanner

import (
	"archive/tar"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// GitHubClient is a minimal REST client for the endpoints the scanner needs:
// repo metadata, the tarball archive, and the tree/blob fallback.
type GitHubClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewGitHubClient(baseURL, token string) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *GitHubClient) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *GitHubClient) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("github: GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *GitHubClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// DefaultBranch looks up the repository's default branch.
func (c *GitHubClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var meta struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &meta); err != nil {
		return "", err
	}
	if meta.DefaultBranch == "" {
		return "", fmt.Errorf("github: repo %s/%s has no default branch", owner, repo)
	}
	return meta.DefaultBranch, nil
}

type RepoFile struct {
	Path string
	Data []byte
}

// Tarball downloads the repo archive at ref and extracts scannable files.
// Returns the files and the commit-ish the archive was cut from (taken from
// the tarball's top-level directory name).
func (c *GitHubClient) Tarball(ctx context.Context, owner, repo, ref string, maxFiles int, maxFileBytes int64) ([]RepoFile, string, error) {
	resp, err := c.do(ctx, fmt.Sprintf("/repos/%s/%s/tarball/%s", owner, repo, ref))
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("github: tarball gzip: %w", err)
	}
	defer gz.Close()

	var files []RepoFile
	resolved := ""
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("github: tarball read: %w", err)
		}
		topDir, rest, ok := strings.Cut(hdr.Name, "/")
		if resolved == "" {
			// Top dir is "<owner>-<repo>-<sha>".
			if i := strings.LastIndex(topDir, "-"); i >= 0 {
				resolved = topDir[i+1:]
			}
		}
		if hdr.Typeflag != tar.TypeReg || !ok || rest == "" {
			continue
		}
		if !shouldScanPath(rest) || hdr.Size > maxFileBytes {
			continue
		}
		if maxFiles > 0 && len(files) >= maxFiles {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxFileBytes))
		if err != nil {
			return nil, "", fmt.Errorf("github: tarball read %s: %w", rest, err)
		}
		files = append(files, RepoFile{Path: rest, Data: data})
	}
	return files, resolved, nil
}

type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// ListTree lists the full recursive tree at ref.
func (c *GitHubClient) ListTree(ctx context.Context, owner, repo, ref string) ([]TreeEntry, error) {
	var tree struct {
		SHA       string      `json:"sha"`
		Tree      []TreeEntry `json:"tree"`
		Truncated bool        `json:"truncated"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", owner, repo, ref), &tree); err != nil {
		return nil, err
	}
	return tree.Tree, nil
}

// Blob fetches and decodes one blob by SHA.
func (c *GitHubClient) Blob(ctx context.Context, owner, repo, sha string) ([]byte, error) {
	var blob struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/git/blobs/%s", owner, repo, sha), &blob); err != nil {
		return nil, err
	}
	switch blob.Encoding {
	case "base64":
		return base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
	case "utf-8", "":
		return []byte(blob.Content), nil
	default:
		return nil, fmt.Errorf("github: unsupported blob encoding %q", blob.Encoding)
	}
}
