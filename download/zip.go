package download

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

const archivePhaseBasePercent = fetchPhaseMaxPercent

// buildArchive packs the successfully fetched items into a ZIP at
// params.ArchivePath, preserving each item's relative path as its entry
// name. Assembly owns the [90,100] progress band.
func (e *Engine) buildArchive(params Params, results []FileResult, localPaths []string) error {
	out, err := os.Create(params.ArchivePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", params.ArchivePath, err)
	}

	writer := zip.NewWriter(out)
	total := len(params.Items)
	for i, item := range params.Items {
		if !results[i].Success {
			continue
		}

		entryName := item.RelativePath
		if entryName == "" {
			entryName = item.FileName
		}
		if err := addEntry(writer, localPaths[i], entryName); err != nil {
			_ = writer.Close()
			_ = out.Close()
			return fmt.Errorf("archive %s: %w", item.FileName, err)
		}

		percent := archivePhaseBasePercent + float64(i+1)/float64(total)*(100-archivePhaseBasePercent)
		e.reporter.Report(percent, fmt.Sprintf("Archiving %s", item.FileName), i+1, total)
	}

	if err := writer.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	return out.Close()
}

func addEntry(writer *zip.Writer, localPath, entryName string) error {
	source, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = source.Close()
	}()

	header := &zip.FileHeader{
		Name:   entryName,
		Method: zip.Deflate,
	}
	entry, err := writer.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(entry, source)
	return err
}
