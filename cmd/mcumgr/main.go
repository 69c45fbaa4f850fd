// Command mcumgr is a thin CLI wiring every mcumgr-go client operation over
// a BLE transport, grounded on the teacher's transport_ble_test.go manual
// connect/upload call shape turned into flag-driven subcommands.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/offcode-oy/mcumgr-go"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "echo":
		err = runEcho(args)
	case "reset":
		err = runReset(args)
	case "params":
		err = runParams(args)
	case "images":
		err = runImages(args)
	case "upload":
		err = runUpload(args)
	case "confirm":
		err = runConfirm(args)
	case "erase":
		err = runErase(args)
	case "fs-upload":
		err = runFSUpload(args)
	case "fs-download":
		err = runFSDownload(args)
	case "decode-image":
		err = runDecodeImage(args)
	case "decode-zip":
		err = runDecodeZIP(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "mcumgr:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: mcumgr <command> [flags]

commands:
  echo          -device <name> -msg <text>
  reset         -device <name>
  params        -device <name>
  images        -device <name>
  upload        -device <name> -file <path> -slot <n> -chunk <n> -window <n>
  confirm       -device <name>
  erase         -device <name>
  fs-upload     -device <name> -file <path> -path <device-path> -chunk <n> -window <n>
  fs-download   -device <name> -path <device-path> -out <path>
  decode-image  -file <path>
  decode-zip    -file <path>`)
}

// bleFlags is the connection flag set shared by every subcommand that talks
// to a device.
func bleFlags(fs *flag.FlagSet) (name *string, timeout *time.Duration) {
	name = fs.String("device", "", "BLE device name to connect to")
	timeout = fs.Duration("timeout", mcumgr.DefaultTimeout, "per-request timeout")
	return
}

func connect(ctx context.Context, name string) (*mcumgr.Client, error) {
	if name == "" {
		return nil, fmt.Errorf("-device is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	transport, err := mcumgr.NewBLETransport(connectCtx, mcumgr.BLETransportConfig{Name: name})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	return mcumgr.NewClient(transport), nil
}

func runEcho(args []string) error {
	fs := flag.NewFlagSet("echo", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	msg := fs.String("msg", "hello", "text to echo")
	fs.Parse(args)

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	got, err := client.Echo(ctx, *msg, *timeout)
	if err != nil {
		return err
	}

	fmt.Println(got)
	return nil
}

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	fs.Parse(args)

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Reset(ctx, *timeout)
}

func runParams(args []string) error {
	fs := flag.NewFlagSet("params", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	fs.Parse(args)

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := client.Params(ctx, *timeout)
	if err != nil {
		rc, ok := mcumgr.DeviceRC(err)
		if ok {
			fmt.Printf("device does not support params (rc=%d); using defaults %+v\n", rc, mcumgr.DefaultBufferParams)
			return nil
		}
		return err
	}

	fmt.Printf("%+v\n", p)
	return nil
}

func runImages(args []string) error {
	fs := flag.NewFlagSet("images", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	fs.Parse(args)

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	images, err := client.Images(ctx, *timeout)
	if err != nil {
		return err
	}

	for _, img := range images {
		fmt.Printf("slot=%d version=%s active=%v confirmed=%v pending=%v hash=%s\n",
			img.Slot, img.Version, img.Active, img.Confirmed, img.Pending, hex.EncodeToString(img.Hash))
	}
	return nil
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	file := fs.String("file", "", "path to an MCUboot-signed image")
	slot := fs.Uint("slot", 0, "image slot index")
	chunk := fs.Int("chunk", mcumgr.DefaultBufferParams.BufSize, "max chunk buffer size")
	window := fs.Int("window", mcumgr.DefaultBufferParams.BufCount, "concurrent chunk window")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	img, err := mcumgr.DecodeImage(data)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	err = client.UploadImage(ctx, mcumgr.UploadImageRequest{
		Image:     uint32(*slot),
		Data:      data,
		Hash:      img.Hash,
		ChunkSize: *chunk,
		Window:    *window,
		Timeout:   *timeout,
		OnProgress: func(f float64) {
			fmt.Fprintf(os.Stderr, "\rupload: %5.1f%%", f*100)
		},
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	fmt.Printf("uploaded %d bytes in %s (hash=%s)\n", len(data), time.Since(start).Round(time.Millisecond), img.ImageHashHex())
	return nil
}

func runConfirm(args []string) error {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	fs.Parse(args)

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.ConfirmImageState(ctx, *timeout)
	if err != nil {
		return err
	}

	fmt.Printf("%+v\n", state)
	return nil
}

func runErase(args []string) error {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	fs.Parse(args)

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Erase(ctx, *timeout)
}

func runFSUpload(args []string) error {
	fs := flag.NewFlagSet("fs-upload", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	file := fs.String("file", "", "local file to upload")
	devicePath := fs.String("path", "", "destination path on the device filesystem")
	chunk := fs.Int("chunk", mcumgr.DefaultBufferParams.BufSize, "max chunk buffer size")
	window := fs.Int("window", mcumgr.DefaultBufferParams.BufCount, "concurrent chunk window")
	fs.Parse(args)

	if *file == "" || *devicePath == "" {
		return fmt.Errorf("-file and -path are required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.UploadData(ctx, mcumgr.UploadDataRequest{
		DevicePath: *devicePath,
		Data:       data,
		ChunkSize:  *chunk,
		Window:     *window,
		Timeout:    *timeout,
		OnProgress: func(f float64) {
			fmt.Fprintf(os.Stderr, "\rupload: %5.1f%%", f*100)
		},
	})
	fmt.Fprintln(os.Stderr)
	return err
}

func runFSDownload(args []string) error {
	fs := flag.NewFlagSet("fs-download", flag.ExitOnError)
	name, timeout := bleFlags(fs)
	devicePath := fs.String("path", "", "source path on the device filesystem")
	out := fs.String("out", "", "local path to save the downloaded file")
	fs.Parse(args)

	if *devicePath == "" || *out == "" {
		return fmt.Errorf("-path and -out are required")
	}

	sink, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer sink.Close()

	ctx := context.Background()
	client, err := connect(ctx, *name)
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.DownloadFile(ctx, mcumgr.DownloadFileRequest{
		DevicePath: *devicePath,
		SaveSink:   sink,
		Timeout:    *timeout,
		OnProgress: func(f float64) {
			fmt.Fprintf(os.Stderr, "\rdownload: %5.1f%%", f*100)
		},
	})
	fmt.Fprintln(os.Stderr)
	return err
}

func runDecodeImage(args []string) error {
	fs := flag.NewFlagSet("decode-image", flag.ExitOnError)
	file := fs.String("file", "", "path to an MCUboot-signed image")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	img, err := mcumgr.DecodeImage(data)
	if err != nil {
		return err
	}

	fmt.Printf("version=%d.%d.%d+%d size=%d hash=%s\n",
		img.Header.Version.Major, img.Header.Version.Minor, img.Header.Version.Revision, img.Header.Version.Build,
		img.Header.ImageSize, img.ImageHashHex())
	return nil
}

func runDecodeZIP(args []string) error {
	fs := flag.NewFlagSet("decode-zip", flag.ExitOnError)
	file := fs.String("file", "", "path to a ZIP DFU package")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	pkgs, err := mcumgr.DecodeZIPPackage(data)
	if err != nil {
		return err
	}

	for _, p := range pkgs {
		fmt.Printf("name=%s index=%d size=%d hash=%s sha=%s\n",
			p.Name, p.Index, p.Header.ImageSize, p.ImageHashHex(), hex.EncodeToString(p.SHA))
	}
	return nil
}
