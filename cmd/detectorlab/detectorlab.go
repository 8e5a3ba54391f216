package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/detectorlab/pkg/coco"
	"github.com/cyclopcam/detectorlab/pkg/detector"
	"github.com/cyclopcam/detectorlab/pkg/detectron"
	"github.com/cyclopcam/detectorlab/pkg/storage"
	"github.com/cyclopcam/detectorlab/pkg/videoframes"
	"github.com/cyclopcam/detectorlab/server"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("detectorlab", "Train, test and manage object detectors")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: "detectorlab.json"})

	listCmd := parser.NewCommand("list", "List detectors")

	extractCmd := parser.NewCommand("extract", "Generate image examples from videos")
	extractVideos := extractCmd.StringList("v", "video", &argparse.Options{Help: "Video file. May be repeated.", Required: true})
	extractOutput := extractCmd.String("o", "output", &argparse.Options{Help: "Directory for the images", Required: true})
	extractWidth := extractCmd.Int("w", "width", &argparse.Options{Help: "Proportionally resize frames to this width (0 keeps the original size)", Default: 0})
	extractStart := extractCmd.Float("", "start", &argparse.Options{Help: "Beginning time, in seconds", Default: 0.0})
	extractDuration := extractCmd.Float("", "duration", &argparse.Options{Help: "Seconds to extract from (0 = until the end)", Default: 0.0})
	extractSkip := extractCmd.Int("", "skip", &argparse.Options{Help: "Keep one image every this many frames", Default: videoframes.DefaultSkipFrames})

	classesCmd := parser.NewCommand("classes", "Show the class names of a COCO annotation file")
	classesAnnotation := classesCmd.String("a", "annotation", &argparse.Options{Help: "COCO annotation file", Required: true})

	infoCmd := parser.NewCommand("info", "Show the parameters of a detector")
	infoName := infoCmd.String("n", "name", &argparse.Options{Help: "Detector name", Required: true})

	trainCmd := parser.NewCommand("train", "Train a new detector")
	trainName := trainCmd.String("n", "name", &argparse.Options{Help: "Detector name", Required: true})
	trainAnnotation := trainCmd.String("a", "annotation", &argparse.Options{Help: "COCO annotation file", Required: true})
	trainImages := trainCmd.String("i", "images", &argparse.Options{Help: "Directory of training images", Required: true})
	trainIterations := trainCmd.Int("", "iterations", &argparse.Options{Help: "Number of training iterations", Default: 5000})
	trainSize := trainCmd.Int("s", "size", &argparse.Options{Help: "Inference frame size, in pixels", Default: 640})

	testCmd := parser.NewCommand("test", "Test a detector against annotated images")
	testName := testCmd.String("n", "name", &argparse.Options{Help: "Detector name", Required: true})
	testAnnotation := testCmd.String("a", "annotation", &argparse.Options{Help: "COCO annotation file", Required: true})
	testImages := testCmd.String("i", "images", &argparse.Options{Help: "Directory of test images", Required: true})
	testResults := testCmd.String("o", "output", &argparse.Options{Help: "Directory for annotated images", Required: true})

	deleteCmd := parser.NewCommand("delete", "Delete a detector")
	deleteName := deleteCmd.String("n", "name", &argparse.Options{Help: "Detector name", Required: true})
	deleteYes := deleteCmd.Flag("y", "yes", &argparse.Options{Help: "Don't ask for confirmation", Default: false})

	exportCmd := parser.NewCommand("export", "Export a detector to archive storage")
	exportName := exportCmd.String("n", "name", &argparse.Options{Help: "Detector name", Required: true})
	exportArchive := exportCmd.String("", "archive", &argparse.Options{Help: "Archive name (default <name>.zip)", Default: ""})

	importCmd := parser.NewCommand("import", "Import a detector from archive storage")
	importName := importCmd.String("n", "name", &argparse.Options{Help: "Detector name", Required: true})
	importArchive := importCmd.String("", "archive", &argparse.Options{Help: "Archive name", Required: true})

	serveCmd := parser.NewCommand("serve", "Run the HTTP service")

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	// Doesn't need a store
	if classesCmd.Happened() {
		names, err := coco.ClassNames(*classesAnnotation)
		check(err)
		fmt.Printf("%v\n", strings.Join(names, "\n"))
		return
	}

	if extractCmd.Happened() {
		logger, err := logs.NewLog()
		check(err)
		defer logger.Close()
		extractor, err := videoframes.NewExtractor(logger)
		check(err)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for _, video := range *extractVideos {
			files, err := extractor.Extract(ctx, video, *extractOutput, videoframes.Options{
				FrameWidth: *extractWidth,
				Start:      *extractStart,
				Duration:   *extractDuration,
				SkipFrames: *extractSkip,
			})
			check(err)
			fmt.Printf("%v: %v images\n", video, len(files))
		}
		fmt.Printf("Image example generation completed!\n")
		return
	}

	if serveCmd.Happened() {
		serve(*configFile)
		return
	}

	cfg, err := server.LoadConfig(*configFile)
	check(err)
	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()
	framework, err := detectron.New(logger, cfg.Framework)
	check(err)
	store, err := detector.OpenStore(logger, cfg.DetectorRoot, framework)
	check(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open := func(name string) *detector.Detector {
		d, err := store.Detector(name, "")
		check(err)
		return d
	}

	switch {
	case listCmd.Happened():
		names, err := store.Names()
		check(err)
		for _, name := range names {
			fmt.Printf("%-30v %v\n", name, open(name).Status())
		}
	case infoCmd.Happened():
		p, err := open(*infoName).Parameters()
		check(err)
		b, _ := json.MarshalIndent(p, "", "  ")
		fmt.Printf("%v\n", string(b))
	case trainCmd.Happened():
		check(open(*trainName).Train(ctx, detector.TrainOptions{
			AnnotationPath: *trainAnnotation,
			ImagesPath:     *trainImages,
			MaxIterations:  *trainIterations,
			InferenceSize:  *trainSize,
		}))
	case testCmd.Happened():
		res, err := open(*testName).Test(ctx, detector.TestOptions{
			AnnotationPath: *testAnnotation,
			ImagesPath:     *testImages,
			ResultsPath:    *testResults,
		})
		check(err)
		fmt.Printf("AP %.2f  AP50 %.2f  AP75 %.2f\n", res.Eval.AP, res.Eval.AP50, res.Eval.AP75)
	case deleteCmd.Happened():
		d := open(*deleteName)
		if !*deleteYes && !confirm(fmt.Sprintf("Delete detector %v?", d.Name())) {
			return
		}
		check(d.Delete())
		fmt.Printf("Deleted %v\n", d.Name())
	case exportCmd.Happened():
		archive := openArchive(ctx, logger, cfg)
		name := *exportArchive
		if name == "" {
			name = detector.ArchiveName(*exportName)
		}
		check(open(*exportName).Export(ctx, archive, name))
		fmt.Printf("Exported %v to %v\n", *exportName, name)
	case importCmd.Happened():
		archive := openArchive(ctx, logger, cfg)
		d, err := store.Import(ctx, archive, *importArchive, *importName)
		check(err)
		fmt.Printf("Imported %v from %v\n", d.Name(), *importArchive)
	}
}

func openArchive(ctx context.Context, logger logs.Log, cfg *server.Config) storage.Storage {
	archive, err := server.OpenArchiveStorage(ctx, logger, cfg.ArchiveStorage)
	check(err)
	if archive == nil {
		check(fmt.Errorf("No archive storage is configured in the config file"))
	}
	return archive
}

func confirm(question string) bool {
	fmt.Printf("%v [y/N] ", question)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func serve(configFile string) {
	s, err := server.NewServer(configFile)
	check(err)
	s.ListenForKillSignals()
	s.Log.Infof("Starting %v", s)

	// Tell systemd that we're alive.
	// We might also want to implement a watchdog.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := s.ListenHTTP(s.Config.Listen); err != nil {
		s.Log.Errorf("%v", err)
		os.Exit(1)
	}
}
