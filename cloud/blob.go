/*
Copyright © 2020 the tempmort authors.
This file is part of tempmort.

tempmort is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

tempmort is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with tempmort.  If not, see <http://www.gnu.org/licenses/>.
*/

package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
)

// ReadBlob reads the given blob from the given bucket.
func ReadBlob(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {
	var b bytes.Buffer
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("cloud: reading blob key %s: %v", key, err)
	}
	defer r.Close()
	if _, err = io.Copy(&b, r); err != nil {
		return nil, fmt.Errorf("cloud: reading blob key %s: %v", key, err)
	}
	return b.Bytes(), nil
}

// WriteBlob writes the given data to the given bucket.
func WriteBlob(ctx context.Context, bucket *blob.Bucket, key string, data []byte) error {
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("cloud: creating writer for blob %s: %v", key, err)
	}
	if _, err = io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("cloud: copying blob %s: %v", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("cloud: writing blob %s: %v", key, err)
	}
	return nil
}

// Fetch returns a local path for the file at fileURL. Local paths are
// returned unchanged. Files in blob storage or at http(s) URLs are copied
// to dir, along with the .dbf, .shx and .prj files that accompany a .shp
// file.
func Fetch(ctx context.Context, fileURL, dir string) (string, error) {
	if strings.HasPrefix(fileURL, "http://") || strings.HasPrefix(fileURL, "https://") {
		return fetchHTTP(ctx, fileURL, dir)
	}
	bucketName, key, err := SplitURL(fileURL)
	if err != nil {
		return "", err
	}
	if bucketName == "" {
		return key, nil
	}
	bucket, err := OpenBucket(ctx, bucketName)
	if err != nil {
		return "", err
	}
	defer bucket.Close()
	for _, k := range expandShp(key) {
		b, err := ReadBlob(ctx, bucket, k)
		if err != nil {
			if strings.HasSuffix(k, ".prj") {
				continue // A projection file is optional.
			}
			return "", err
		}
		if err := os.WriteFile(filepath.Join(dir, filepath.Base(k)), b, 0644); err != nil {
			return "", fmt.Errorf("cloud: fetching %s: %v", fileURL, err)
		}
	}
	return filepath.Join(dir, filepath.Base(key)), nil
}

// fetchHTTP downloads the file at fileURL to dir.
func fetchHTTP(ctx context.Context, fileURL, dir string) (string, error) {
	for _, fname := range expandShp(fileURL) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fname, nil)
		if err != nil {
			return "", fmt.Errorf("cloud: downloading %s: %v", fname, err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("cloud: downloading %s: %v", fname, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			if strings.HasSuffix(fname, ".prj") {
				continue
			}
			return "", fmt.Errorf("cloud: downloading %s: %s", fname, resp.Status)
		}
		w, err := os.Create(filepath.Join(dir, path.Base(fname)))
		if err != nil {
			resp.Body.Close()
			return "", fmt.Errorf("cloud: creating file for download: %v", err)
		}
		_, err = io.Copy(w, resp.Body)
		resp.Body.Close()
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return "", fmt.Errorf("cloud: downloading %s: %v", fname, err)
		}
	}
	return filepath.Join(dir, path.Base(fileURL)), nil
}

// expandShp returns the given file + associated [.dbf, .shx, .prj]
// files if the given file has the .shp extension, and returns the given
// file otherwise
func expandShp(filename string) []string {
	o := []string{filename}
	ext := filepath.Ext(filename)
	if ext != ".shp" {
		return o
	}
	for _, newExt := range []string{".dbf", ".shx", ".prj"} {
		o = append(o, filename[0:len(filename)-4]+newExt)
	}
	return o
}
