package clean

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Run removes the cache directory: bucket database and blob store. The
// directory is first renamed aside so a new proxy can start immediately;
// the returned WaitGroup finishes when the old tree is gone.
func Run(cacheDir string) (*sync.WaitGroup, error) {
	start := time.Now()
	var wg sync.WaitGroup

	absPath, err := filepath.Abs(cacheDir)
	if err != nil {
		return &wg, err
	}
	if err := removeAsync(absPath, &wg); err != nil {
		return &wg, err
	}

	fmt.Printf("🧹 Clean initiated in %v (backgrounding deletion).\n", time.Since(start))
	return &wg, nil
}

func removeAsync(absPath string, wg *sync.WaitGroup) error {
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		fmt.Printf("🧹 Nothing to clean at '%s'\n", absPath)
		return nil
	}

	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	tempPath := filepath.Join(dir, fmt.Sprintf("%s_deleting_%d", base, time.Now().UnixNano()))

	fmt.Printf("🧹 Moving '%s' to trash...\n", absPath)
	if err := os.Rename(absPath, tempPath); err != nil {
		fmt.Printf("⚠️ Rename failed (%v), deleting synchronously...\n", err)
		if err := os.RemoveAll(absPath); err != nil {
			return fmt.Errorf("failed to remove '%s': %w", absPath, err)
		}
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = os.RemoveAll(tempPath)
	}()
	return nil
}
