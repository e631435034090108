package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"karaoke/internal/logger"

	"github.com/antoineross/supabase-go"
	storage_go "github.com/supabase-community/storage-go"
)

type Options struct {
	AppEnv             string
	DataDir            string
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
}

// Artifacts stores run artifacts (screenshots, flyers) in a Supabase bucket
// when configured and under DATA_DIR otherwise.
type Artifacts struct {
	log      *logger.Logger
	opts     Options
	supabase *supabase.Client
	now      func() time.Time
}

func New(opts Options) (*Artifacts, error) {
	a := &Artifacts{log: logger.New("Artifacts"), opts: opts, now: time.Now}
	production := opts.AppEnv == "production"
	if production && (opts.SupabaseURL == "" || opts.SupabaseServiceKey == "" || opts.SupabaseBucket == "") {
		return nil, fmt.Errorf("production requires SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY and SUPABASE_STORAGE_BUCKET")
	}
	if opts.SupabaseURL != "" && opts.SupabaseServiceKey != "" {
		client, err := supabase.NewClient(opts.SupabaseURL, opts.SupabaseServiceKey, nil)
		if err != nil {
			if production {
				return nil, fmt.Errorf("init supabase client: %w", err)
			}
			a.log.LogWarnf("supabase client unavailable, using local artifacts: %v", err)
		} else {
			a.supabase = client
		}
	}
	return a, nil
}

// Save writes data under kind/ and returns a reference a reviewer can follow:
// a bucket path for Supabase, a /files/ path for local storage.
func (a *Artifacts) Save(ctx context.Context, kind, sourceURL, ext string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := a.now().UTC().Format("20060102_150405") + "_" + Sanitize(sourceURL) + "." + strings.TrimPrefix(ext, ".")
	objectPath := filepath.ToSlash(filepath.Join(kind, name))

	if a.supabase != nil && a.opts.SupabaseBucket != "" {
		mimeType := mime.TypeByExtension("." + strings.TrimPrefix(ext, "."))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		_, err := a.supabase.Storage.UploadFile(a.opts.SupabaseBucket, objectPath, bytes.NewReader(data), storage_go.FileOptions{ContentType: &mimeType})
		if err == nil {
			return a.opts.SupabaseBucket + "/" + objectPath, nil
		}
		if a.opts.AppEnv == "production" {
			return "", fmt.Errorf("upload %s: %w", objectPath, err)
		}
		a.log.LogWarnf("supabase upload failed, falling back to local: %v", err)
	}

	dir := filepath.Join(a.opts.DataDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", err
	}
	return "/files/" + objectPath, nil
}

func Sanitize(u string) string {
	u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	replacer := strings.NewReplacer(":", "-", "/", "-", "?", "-", "&", "-", "=", "-", "#", "-", "%", "")
	out := replacer.Replace(u)
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
