// Package media adapts attachment audio to the recognizer's constraints. It
// guesses container tags from file names, maps them to recognizer encodings,
// and drives ffmpeg/ffprobe subprocesses to transcode arbitrary input into
// canonical WAV (PCM s16le, mono, 16 kHz).
package media

import (
	"path/filepath"
	"strings"
)

// Tag describes a blob's container: extension (canonical lowercase with the
// leading dot, possibly empty) and MIME content type (lowercase).
type Tag struct {
	Ext         string
	ContentType string
}

// extContentTypes maps known audio extensions to their MIME types.
var extContentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

// GuessTag derives a Tag from a file name and an optional declared content
// type. The declared type wins when present; otherwise the extension decides,
// defaulting to application/octet-stream.
func GuessTag(filename, contentType string) Tag {
	ext := strings.ToLower(filepath.Ext(filename))
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		if known, ok := extContentTypes[ext]; ok {
			ct = known
		} else {
			ct = "application/octet-stream"
		}
	}
	return Tag{Ext: ext, ContentType: ct}
}

// Encoding maps the tag to a recognizer AudioEncoding value. Opus containers
// are checked first since their MIME types overlap with plain Ogg.
func (t Tag) Encoding() string {
	switch {
	case t.Ext == ".webm" || strings.Contains(t.ContentType, "webm"):
		return "WEBM_OPUS"
	case t.Ext == ".ogg" || t.Ext == ".opus" || strings.Contains(t.ContentType, "ogg"):
		return "OGG_OPUS"
	case t.Ext == ".mp3" || strings.Contains(t.ContentType, "mpeg"):
		return "MP3"
	case t.Ext == ".flac" || strings.Contains(t.ContentType, "flac"):
		return "FLAC"
	case t.Ext == ".wav" || strings.Contains(t.ContentType, "wav"):
		return "LINEAR16"
	}
	return "ENCODING_UNSPECIFIED"
}

// IsCompressed reports whether the tag belongs to a lossy compressed family.
// Small compressed files frequently exceed a minute of audio, which matters
// when choosing between sync and long-running recognition.
func (t Tag) IsCompressed() bool {
	switch t.Ext {
	case ".mp3", ".m4a", ".mp4", ".ogg", ".opus", ".webm":
		return true
	}
	for _, m := range []string{"audio/ogg", "audio/webm", "audio/mpeg", "video/mp4"} {
		if strings.Contains(t.ContentType, m) {
			return true
		}
	}
	return false
}

// IsCanonicalWAV reports whether the tag already describes the WAV container
// the long recognizer path expects.
func (t Tag) IsCanonicalWAV() bool {
	return t.Ext == ".wav" || strings.Contains(t.ContentType, "audio/wav")
}

// needsWAV reports whether the blob must be transcoded before recognition.
// MP4/AAC containers are not decodable by the recognizer, and WebM without
// an Opus track decodes unreliably.
func needsWAV(t Tag) bool {
	switch t.Ext {
	case ".m4a", ".mp4", ".aac":
		return true
	}
	for _, m := range []string{"audio/mp4", "video/mp4", "audio/aac"} {
		if strings.Contains(t.ContentType, m) {
			return true
		}
	}
	if t.Ext == ".webm" && !strings.Contains(t.ContentType, "opus") {
		return true
	}
	return false
}

// WAVTag is the tag of transcoder output.
var WAVTag = Tag{Ext: ".wav", ContentType: "audio/wav"}
