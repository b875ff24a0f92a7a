// Package naming derives library folder and file names from raw media
// filenames. Series detection uses a small set of pattern heuristics; when
// none match, the file is treated as a movie.
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Components describe where a finished file belongs inside a library root.
type Components struct {
	// Folder is the top-level directory (series or movie title).
	Folder string
	// Subfolder is the optional second level ("Season 01"), empty for movies.
	Subfolder string
	// Filename is the canonical file name including extension.
	Filename string
}

// Resolver resolves naming components for a raw filename.
type Resolver interface {
	Resolve(filename string) Components
}

// Series patterns ordered by confidence. Each must capture season then episode.
var seriesPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)s(\d{1,2})\s?e(\d{1,3})`),                 // S01E01, S01 E01
	regexp.MustCompile(`(?i)season\s*(\d{1,2})\s*episode\s*(\d{1,3})`), // Season 1 Episode 1
	regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{1,3})\b`),                 // 1x01
}

var yearPattern = regexp.MustCompile(`[\(\[]?((?:19|20)\d{2})[\)\]]?`)

// Quality and release tags stripped from titles.
var qualityTags = []string{
	"2160p", "1080p", "720p", "4K", "BluRay", "WEBRip", "WEB-DL", "HDTV",
	"DVDRip", "BRRip", "x264", "x265", "HEVC", "HDR10", "HDR", "AMZN", "NF",
	"DSNP", "AAC", "AC3", "DDP5.1", "Atmos", "MULTI", "DUAL", "EXTENDED",
	"REMASTERED",
}

var (
	tagPattern        = buildTagPattern()
	invalidChars      = `<>:"|?*`
	multiSpacePattern = regexp.MustCompile(`\s+`)
	trailingSepPattern = regexp.MustCompile(`[\s._-]+$`)
)

func buildTagPattern() *regexp.Regexp {
	escaped := make([]string, len(qualityTags))
	for i, tag := range qualityTags {
		escaped[i] = regexp.QuoteMeta(tag)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`)
}

// MediaResolver is the default Resolver for movie and TV filenames.
type MediaResolver struct{}

// NewMediaResolver creates the default resolver.
func NewMediaResolver() *MediaResolver {
	return &MediaResolver{}
}

// Resolve computes folder/subfolder/file components for filename.
func (r *MediaResolver) Resolve(filename string) Components {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	for _, pattern := range seriesPatterns {
		loc := pattern.FindStringSubmatchIndex(base)
		if loc == nil {
			continue
		}

		season, serr := strconv.Atoi(base[loc[2]:loc[3]])
		episode, eerr := strconv.Atoi(base[loc[4]:loc[5]])
		if serr != nil || eerr != nil || !validEpisode(season, episode) {
			continue
		}

		series := CleanTitle(base[:loc[0]])
		if series == "" {
			series = CleanTitle(base)
		}

		return Components{
			Folder:    Sanitize(series),
			Subfolder: fmt.Sprintf("Season %02d", season),
			Filename:  Sanitize(fmt.Sprintf("%s - S%02dE%02d%s", series, season, episode, ext)),
		}
	}

	title, year := splitMovieTitle(base)
	folder := title
	if year != "" {
		folder = fmt.Sprintf("%s (%s)", title, year)
	}

	return Components{
		Folder:   Sanitize(folder),
		Filename: Sanitize(folder + ext),
	}
}

func validEpisode(season, episode int) bool {
	return season >= 1 && season <= 50 && episode >= 1 && episode <= 999
}

// splitMovieTitle extracts a title and optional release year from a raw
// base name. Everything after the year is release metadata and is dropped.
func splitMovieTitle(base string) (string, string) {
	if loc := yearPattern.FindStringSubmatchIndex(base); loc != nil && loc[0] > 0 {
		year := base[loc[2]:loc[3]]
		return CleanTitle(base[:loc[0]]), year
	}
	return CleanTitle(base), ""
}

// CleanTitle strips quality tags and normalizes separators to spaces.
func CleanTitle(name string) string {
	name = tagPattern.ReplaceAllString(name, "")
	name = strings.ReplaceAll(name, ".", " ")
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "(", " ")
	name = strings.ReplaceAll(name, ")", " ")
	name = strings.ReplaceAll(name, "[", " ")
	name = strings.ReplaceAll(name, "]", " ")
	name = multiSpacePattern.ReplaceAllString(name, " ")
	name = trailingSepPattern.ReplaceAllString(name, "")
	return strings.TrimSpace(name)
}

// Sanitize removes characters that are invalid in file names.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if !strings.ContainsRune(invalidChars, r) {
			b.WriteRune(r)
		}
	}
	return multiSpacePattern.ReplaceAllString(strings.TrimSpace(b.String()), " ")
}
