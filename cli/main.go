package main

import (
	"fmt"
	"io/ioutil"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"flashfs"
)

func config(ctx *cli.Context) *flashfs.Config {
	return &flashfs.Config{
		PageSize:        uint32(ctx.Uint("page-size")),
		BlockSize:       uint32(ctx.Uint("block-size")),
		BlockCount:      uint32(ctx.Uint("block-count")),
		FileDescriptors: flashfs.DefaultFileDescriptors,
		CachePages:      flashfs.DefaultCachePages,
		Compression:     flashfs.CompSnappy,
	}
}

func mountFile(ctx *cli.Context) (*flashfs.FS, error) {
	data, err := ioutil.ReadFile(ctx.String("image"))
	if err != nil {
		return nil, err
	}
	if ctx.Bool("compressed") {
		return flashfs.MountCompressedImage(data, config(ctx))
	}
	return flashfs.MountImage(data, config(ctx))
}

func saveFile(ctx *cli.Context, fs *flashfs.FS) error {
	var img []byte
	var err error
	if ctx.Bool("compressed") {
		img, err = fs.ExportCompressed()
	} else {
		img, err = fs.Export()
	}
	if err != nil {
		return err
	}
	return ioutil.WriteFile(ctx.String("image"), img, 0644)
}

// withVolume mounts the image file, runs fn, and writes the image back
// when save is set.
func withVolume(save bool, fn func(fs *flashfs.FS, ctx *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		fs, err := mountFile(ctx)
		if err != nil {
			return err
		}
		if err := fn(fs, ctx); err != nil {
			return err
		}
		if save {
			if err := saveFile(ctx, fs); err != nil {
				return err
			}
		}
		return fs.Unmount()
	}
}

func typeName(t uint8) string {
	if t == flashfs.TypeDir {
		return "dir"
	}
	return "file"
}

func main() {
	app := cli.App{
		Name:        "flashfs",
		Description: "inspect and edit flashfs volume images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Usage:    "path of the volume image file",
				EnvVars:  []string{"FLASHFS_IMAGE"},
				Required: true,
			},
			&cli.UintFlag{
				Name:    "page-size",
				Usage:   "logical page size in bytes",
				EnvVars: []string{"FLASHFS_PAGE_SIZE"},
				Value:   flashfs.DefaultPageSize,
			},
			&cli.UintFlag{
				Name:    "block-size",
				Usage:   "erase block size in bytes",
				EnvVars: []string{"FLASHFS_BLOCK_SIZE"},
				Value:   flashfs.DefaultBlockSize,
			},
			&cli.UintFlag{
				Name:     "block-count",
				Usage:    "number of erase blocks",
				EnvVars:  []string{"FLASHFS_BLOCK_COUNT"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "compressed",
				Usage:   "treat the image file as a compressed snapshot",
				EnvVars: []string{"FLASHFS_COMPRESSED"},
			},
		},
		Commands: []*cli.Command{{
			Name:        "format",
			Description: "create (or wipe) the image file as an empty volume",
			Action: func(ctx *cli.Context) error {
				cfg := config(ctx)
				dev := flashfs.NewMemDevice(cfg.BlockSize, cfg.BlockCount)
				if err := flashfs.Format(dev, cfg); err != nil {
					return err
				}
				fs, err := flashfs.Mount(dev, cfg)
				if err != nil {
					return err
				}
				if err := saveFile(ctx, fs); err != nil {
					return err
				}
				return fs.Unmount()
			},
		}, {
			Name:        "ls",
			Description: "list objects with size and type",
			Action: withVolume(false, func(fs *flashfs.FS, ctx *cli.Context) error {
				entries, err := fs.List()
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%s\t%s\t%d\n", e.Name, typeName(e.Type), e.Size)
				}
				return nil
			}),
		}, {
			Name:        "cat",
			Description: "print an object's content to stdout",
			Action: withVolume(false, func(fs *flashfs.FS, ctx *cli.Context) error {
				data, err := fs.ReadFile(ctx.Args().First())
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			}),
		}, {
			Name:        "write",
			Description: "store a local file into the volume: write NAME LOCALPATH",
			Action: withVolume(true, func(fs *flashfs.FS, ctx *cli.Context) error {
				name := ctx.Args().Get(0)
				data, err := ioutil.ReadFile(ctx.Args().Get(1))
				if err != nil {
					return err
				}
				return fs.WriteFile(name, data)
			}),
		}, {
			Name:        "rm",
			Description: "remove an object",
			Action: withVolume(true, func(fs *flashfs.FS, ctx *cli.Context) error {
				return fs.Remove(ctx.Args().First())
			}),
		}, {
			Name:        "mv",
			Description: "rename an object: mv OLD NEW",
			Action: withVolume(true, func(fs *flashfs.FS, ctx *cli.Context) error {
				return fs.Rename(ctx.Args().Get(0), ctx.Args().Get(1))
			}),
		}, {
			Name:        "stat",
			Description: "show one object's name, type and size",
			Action: withVolume(false, func(fs *flashfs.FS, ctx *cli.Context) error {
				e, err := fs.Stat(ctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%d\n", e.Name, typeName(e.Type), e.Size)
				return nil
			}),
		}, {
			Name:        "usage",
			Description: "show capacity accounting",
			Action: withVolume(false, func(fs *flashfs.FS, ctx *cli.Context) error {
				u, err := fs.Usage()
				if err != nil {
					return err
				}
				fmt.Printf("total\t%d\nused\t%d\nfree\t%d\n", u.TotalBytes, u.UsedBytes, u.FreeBytes)
				return nil
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
