package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ternstore/tern/core/client"
	"github.com/ternstore/tern/core/devstore"
	"github.com/ternstore/tern/rpc/blockstore"
	"github.com/ternstore/tern/rpc/metadata"
)

// newEngine wires the I/O engine either to a remote devstore (when
// --metadata-addr is set) or to an embedded one under --store.
func newEngine(ctx *cli.Context) (*client.Client, client.MetadataService, func(), error) {
	cfg, err := client.GetConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	if addr := ctx.String("metadata-addr"); addr != "" {
		md, err := metadata.NewClient(addr)
		if err != nil {
			return nil, nil, nil, err
		}

		blocks := blockstore.NewClient(cfg.IO.ReadBlockTimeout)
		engine, err := client.NewClient(cfg, md, blocks)
		if err != nil {
			md.Close()
			return nil, nil, nil, err
		}

		teardown := func() {
			blocks.Close()
			md.Close()
		}
		return engine, md, teardown, nil
	}

	store, err := devstore.New(devstore.DefaultConfig(), ctx.String("store"), 4)
	if err != nil {
		return nil, nil, nil, err
	}

	engine, err := client.NewClient(cfg, store.Metadata, store.Blocks)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	return engine, store.Metadata, func() { store.Close() }, nil
}

var uploadCmd = &cli.Command{
	Name:  "upload",
	Usage: "Upload a local file as an object",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "file-path", Required: true, Usage: "Local file to upload"},
		&cli.StringFlag{Name: "bucket", Required: true},
		&cli.StringFlag{Name: "key", Required: true},
		&cli.StringFlag{Name: "content-type", Value: "application/octet-stream"},
	},
	Action: func(ctx *cli.Context) error {
		engine, _, teardown, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer teardown()

		file, err := os.Open(ctx.String("file-path"))
		if err != nil {
			return err
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return err
		}

		result, err := engine.UploadObject(context.Background(), client.UploadParams{
			Bucket:      ctx.String("bucket"),
			Key:         ctx.String("key"),
			Size:        info.Size(),
			ContentType: ctx.String("content-type"),
			Source:      file,
		})
		if err != nil {
			return err
		}

		log.Infow("uploaded",
			"obj", result.ObjID, "etag", result.Etag,
			"size", result.Size, "parts", result.NumParts)
		return nil
	},
}

var readCmd = &cli.Command{
	Name:  "read",
	Usage: "Read an object (or a byte range of it) to a local file or stdout",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bucket", Required: true},
		&cli.StringFlag{Name: "key", Required: true},
		&cli.StringFlag{Name: "out", Usage: "Output file; stdout when omitted"},
		&cli.Int64Flag{Name: "start", Value: 0},
		&cli.Int64Flag{Name: "end", Value: -1},
	},
	Action: func(ctx *cli.Context) error {
		engine, _, teardown, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer teardown()

		stream, err := engine.ReadObjectStream(context.Background(), client.ReadParams{
			Bucket: ctx.String("bucket"),
			Key:    ctx.String("key"),
			Start:  ctx.Int64("start"),
			End:    ctx.Int64("end"),
		})
		if err != nil {
			return err
		}
		defer stream.Close()

		out := os.Stdout
		if path := ctx.String("out"); path != "" {
			out, err = os.Create(path)
			if err != nil {
				return err
			}
			defer out.Close()
		}

		n, err := out.ReadFrom(stream)
		if err != nil {
			return err
		}

		log.Infow("read", "bytes", n)
		return nil
	},
}

var copyCmd = &cli.Command{
	Name:  "copy",
	Usage: "Server-side copy of an object within a bucket",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bucket", Required: true},
		&cli.StringFlag{Name: "src-key", Required: true},
		&cli.StringFlag{Name: "dst-key", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		engine, _, teardown, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer teardown()

		result, err := engine.UploadObject(context.Background(), client.UploadParams{
			Bucket: ctx.String("bucket"),
			Key:    ctx.String("dst-key"),
			CopySource: &client.CopySource{
				Bucket: ctx.String("bucket"),
				Key:    ctx.String("src-key"),
			},
		})
		if err != nil {
			return err
		}

		log.Infow("copied", "obj", result.ObjID, "etag", result.Etag, "size", result.Size)
		return nil
	},
}

var statCmd = &cli.Command{
	Name:  "stat",
	Usage: "Print object metadata",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bucket", Required: true},
		&cli.StringFlag{Name: "key", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		_, md, teardown, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer teardown()

		reply, err := md.ReadObjectMD(context.Background(), metadata.ReadObjectMDArgs{
			Bucket: ctx.String("bucket"),
			Key:    ctx.String("key"),
		})
		if err != nil {
			return err
		}

		objMD := reply.ObjectMD
		fmt.Printf("obj:    %s\nsize:   %d\netag:   %s\nmd5:    %s\nsha256: %s\nparts:  %d\n",
			objMD.ObjID, objMD.Size, objMD.Etag, objMD.MD5, objMD.SHA256, objMD.NumParts)
		return nil
	},
}
