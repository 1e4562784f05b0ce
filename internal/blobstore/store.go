// Package blobstore хранит байты вложений на диске в сжатом виде.
// В БД живут только метаданные и имя блоба; раздача идёт через Serve
// с корректным Content-Disposition для UTF-8 имён.
package blobstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/estatechat/internal/logger"
	"github.com/google/uuid"
)

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

type Store struct {
	dir     string
	maxSize int64
}

func New(dir string, maxSize int64) *Store {
	return &Store{dir: dir, maxSize: maxSize}
}

// Save кладёт блоб на диск: проверка расширения и магических байтов,
// сжатие при записи. Возвращает имя блоба и размер исходных байтов.
func (s *Store) Save(ctx context.Context, fileName string, src io.Reader) (stored string, size int64, err error) {
	// "+" нередко приходит вместо пробела (URL-кодирование).
	rawName := strings.ReplaceAll(fileName, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawName))
	if BlockedExt[ext] {
		return "", 0, fmt.Errorf("file type %q not allowed", ext)
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(src, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		return "", 0, fmt.Errorf("file content does not match type %q", ext)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("blobstore mkdir: %w", err)
	}
	stored = uuid.New().String() + ext
	dstPath := filepath.Join(s.dir, stored+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore create: %w", err)
	}
	cleanup := func() {
		dst.Close()
		os.Remove(dstPath)
	}

	gz := gzip.NewWriter(dst)
	if _, err := gz.Write(head); err != nil {
		gz.Close()
		cleanup()
		return "", 0, fmt.Errorf("blobstore write: %w", err)
	}
	copied, err := copyWithContext(ctx, gz, io.LimitReader(src, s.maxSize))
	if err != nil {
		gz.Close()
		cleanup()
		return "", 0, err
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return "", 0, fmt.Errorf("blobstore gzip close: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", 0, fmt.Errorf("blobstore close: %w", err)
	}
	return stored, int64(len(head)) + copied, nil
}

// Serve отдаёт блоб (разархивирует при отдаче); displayName идёт в Content-Disposition.
func (s *Store) Serve(w http.ResponseWriter, r *http.Request, stored, displayName string) {
	stored = filepath.Base(stored)
	ext := filepath.Ext(stored)
	gzPath := filepath.Join(s.dir, stored+".gz")
	plainPath := filepath.Join(s.dir, stored)

	if ct := contentTypeByExt(ext); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if displayName != "" {
		displayName = strings.TrimSpace(strings.ReplaceAll(displayName, "+", " "))
		if safe := safeFilename(displayName); safe != "" {
			disp := "attachment; filename*=UTF-8''" + url.QueryEscape(safe)
			// Legacy filename= с ASCII искажает кириллицу — добавляем его только
			// когда имя целиком ASCII.
			if ascii := asciiFallbackFilename(safe); ascii == safe {
				disp = "attachment; filename=\"" + ascii + "\"; " + disp
			}
			w.Header().Set("Content-Disposition", disp)
		}
	}

	// Сначала сжатый .gz, иначе обычный файл (обратная совместимость).
	if f, err := os.Open(gzPath); err == nil {
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			http.Error(w, "failed to read file", http.StatusInternalServerError)
			return
		}
		defer gz.Close()
		w.WriteHeader(http.StatusOK)
		io.Copy(w, gz)
		return
	}
	if f, err := os.Open(plainPath); err == nil {
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return
	}
	http.Error(w, "file not found", http.StatusNotFound)
}

// Remove удаляет блоб с диска; отсутствие файла не ошибка.
func (s *Store) Remove(stored string) {
	stored = filepath.Base(stored)
	if stored == "" || stored == "." {
		return
	}
	for _, p := range []string{
		filepath.Join(s.dir, stored+".gz"),
		filepath.Join(s.dir, stored),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Errorf("blobstore remove %s: %v", p, err)
		}
	}
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".heic":
		return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")) && (bytes.Equal(head[8:12], []byte("heic")) || bytes.Equal(head[8:12], []byte("heix")) || bytes.Equal(head[8:12], []byte("mif1")))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".doc":
		return len(head) >= 8 && head[0] == 0xD0 && head[1] == 0xCF && head[2] == 0x11 && head[3] == 0xE0
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	case ".txt":
		return true
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".txt":
		return "text/plain"
	}
	return ""
}

// safeFilename оставляет имя безопасным для Content-Disposition
// (без управляющих символов и кавычек), сохраняя UTF-8.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// asciiFallbackFilename — имя только из ASCII для legacy filename=.
func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
