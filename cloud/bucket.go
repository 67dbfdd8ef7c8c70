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

// Package cloud reads and writes pipeline inputs and outputs in local or
// cloud blob storage.
package cloud

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // Register the gs:// provider.
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // Register the s3:// provider.
)

// OpenBucket returns the blob storage bucket specified by bucketName,
// where bucketName must be in the format 'provider://name' where provider
// is the name of the storage provider and name is the name of the bucket.
// The currently accepted storage providers are "file" for the local
// filesystem, "mem" for an in-memory bucket (e.g., for testing), "gs" for
// Google Cloud Storage, and "s3" for AWS S3. Credentials for "gs" and
// "s3" are read from the environment.
//
// For "file" buckets, name is a directory path, which is created if it
// does not exist; for other providers any path after the bucket name is
// ignored.
func OpenBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	u, err := url.Parse(bucketName)
	if err != nil {
		return nil, fmt.Errorf("cloud.OpenBucket: %v", err)
	}
	switch u.Scheme {
	case "file":
		dir := u.Host + u.Path
		if dir == "" {
			return nil, fmt.Errorf("cloud.OpenBucket: missing directory in %s", bucketName)
		}
		return fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	case "mem":
		return memblob.OpenBucket(nil), nil
	case "gs", "s3":
		return blob.OpenBucket(ctx, u.Scheme+"://"+u.Host)
	default:
		return nil, fmt.Errorf("cloud.OpenBucket: invalid provider %s", u.Scheme)
	}
}

// SplitURL splits a file URL such as "s3://bucket/dir/file.nc" into a
// bucket name ("s3://bucket") and a key ("dir/file.nc"). Paths without a
// scheme are returned unchanged with an empty bucket name.
func SplitURL(fileURL string) (bucketName, key string, err error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", "", fmt.Errorf("cloud: parsing %s: %v", fileURL, err)
	}
	if u.Scheme == "" {
		return "", fileURL, nil
	}
	if u.Scheme == "file" {
		return "", u.Host + u.Path, nil
	}
	return u.Scheme + "://" + u.Host, strings.TrimLeft(u.Path, "/"), nil
}
