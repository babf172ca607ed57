// Package pluginarchive extracts a plugin from a pre-fetched zip or tarball
// archive, the secondary install source alongside gitsanitize's git clone
// path: install() accepts a file:// path to a .zip/.tar/.tar.gz in addition
// to a git URL.
package pluginarchive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Kind reports the archive format path's extension implies, or "" if it
// names no archive format this package supports.
func Kind(path string) string {
	lower := strings.ToLower(strings.TrimSpace(path))
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar.gz"):
		return "targz"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	default:
		return ""
	}
}

// Extract unpacks archivePath into destDir, which must already exist.
// Every entry's target path is checked by SecureTargetPath before anything
// is written, and symlink entries are rejected outright, so a malicious
// archive can never write outside destDir or plant a symlink escape.
func Extract(archivePath, destDir string) error {
	switch Kind(archivePath) {
	case "zip":
		return extractZIP(archivePath, destDir)
	case "tar":
		return extractTarball(archivePath, destDir, false)
	case "targz":
		return extractTarball(archivePath, destDir, true)
	default:
		return fmt.Errorf("pluginarchive: unsupported archive: %s", archivePath)
	}
}

func extractZIP(zipPath, destDir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("pluginarchive: open zip: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := SecureTargetPath(destDir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if file.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("pluginarchive: archive contains symlink entry: %s", file.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyZipEntry(file, target); err != nil {
			return err
		}
	}
	return nil
}

func copyZipEntry(file *zip.File, target string) error {
	in, err := file.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, file.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}

func extractTarball(path, destDir string, compressed bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pluginarchive: open tarball: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if compressed {
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("pluginarchive: open gzip stream: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("pluginarchive: read tar entry: %w", err)
		}
		target, err := SecureTargetPath(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractTarFile(tarReader, target, header); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("pluginarchive: archive contains link entry: %s", header.Name)
		}
	}
	return nil
}

func extractTarFile(tarReader *tar.Reader, target string, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, tarReader); err != nil {
		return err
	}
	return nil
}

// SecureTargetPath joins name onto destDir after confirming the result
// cannot escape destDir, rejecting absolute paths, "..", and any entry
// whose cleaned relative path starts with "../".
func SecureTargetPath(destDir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("pluginarchive: archive entry name is empty")
	}
	cleanName := filepath.Clean(name)
	if cleanName == "." || cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanName) {
		return "", fmt.Errorf("pluginarchive: archive entry escapes destination: %s", name)
	}
	target := filepath.Join(destDir, cleanName)
	rel, err := filepath.Rel(filepath.Clean(destDir), filepath.Clean(target))
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("pluginarchive: archive entry escapes destination: %s", name)
	}
	return target, nil
}
