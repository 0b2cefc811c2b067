// Package minio provides a blobstore.Store implementation using the MinIO
// client, for mirroring backup snapshots to MinIO or any S3-compatible
// object store (Ceph, Garage, SeaweedFS).
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mirror := minioblob.NewStore(client, "my-bucket", "backups/")
//	db, err := memgo.Open(ctx, dir, memgo.WithBackupMirror(mirror))
package minio
