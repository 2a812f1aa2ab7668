package runner

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// CollectArtifacts возвращает пути всех файлов в dir (рекурсивно, отсортированные).
// Отсутствующая директория — пустой список без ошибки.
func CollectArtifacts(dir string) ([]string, error) {
	artifacts := []string{}

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return artifacts, nil
	}
	if err != nil {
		return artifacts, err
	}
	if !info.IsDir() {
		return artifacts, nil
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			artifacts = append(artifacts, path)
		}
		return nil
	})
	sort.Strings(artifacts)
	return artifacts, err
}
