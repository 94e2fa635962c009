package imagestore

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
)

var markdownImagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// ExtractImagePaths returns the local image references in markdown. Remote
// URLs and inline data URIs are skipped.
func ExtractImagePaths(markdown string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range markdownImagePattern.FindAllStringSubmatch(markdown, -1) {
		ref := strings.TrimSpace(m[2])
		if isExternalRef(ref) {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func isExternalRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:")
}

// CleanupOrphans removes stored images that markdown no longer references,
// matching by file name. With dryRun nothing is deleted. The orphan names are
// returned either way.
func CleanupOrphans(ctx context.Context, store Store, namespace, markdown string, dryRun bool) ([]string, error) {
	referenced := map[string]struct{}{}
	for _, ref := range ExtractImagePaths(markdown) {
		referenced[path.Base(ref)] = struct{}{}
	}
	stored, err := store.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	orphans := []string{}
	var errs []error
	for _, name := range stored {
		if _, ok := referenced[name]; ok {
			continue
		}
		orphans = append(orphans, name)
		if dryRun {
			continue
		}
		if err := store.Delete(ctx, namespace, name); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return orphans, errors.Join(errs...)
}

// CopyImages copies every referenced image from one store namespace to
// another and rewrites the references with rewrite(name). It returns the
// updated markdown and the number of images copied.
func CopyImages(ctx context.Context, from Store, fromNamespace string, to Store, toNamespace, markdown string, rewrite func(name string) string) (string, int, error) {
	updated := markdown
	count := 0
	for _, ref := range ExtractImagePaths(markdown) {
		name := path.Base(ref)
		data, err := from.Get(ctx, fromNamespace, name)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
			continue
		}
		if err != nil {
			return markdown, count, err
		}
		if err := to.Save(ctx, toNamespace, name, data, MIMEForExtension(name)); err != nil {
			return markdown, count, err
		}
		if rewrite != nil {
			updated = strings.ReplaceAll(updated, "]("+ref+")", "]("+rewrite(name)+")")
		}
		count++
	}
	return updated, count, nil
}
