package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/labshot/labshot/analysis"
	"github.com/labshot/labshot/capture"
	"github.com/labshot/labshot/label"
	"github.com/labshot/labshot/pipeline"
	"github.com/labshot/labshot/record"
)

// CaptureCmd runs a single capture through the full pipeline in the
// foreground, without the daemon.
var CaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture one frame and run it through the pipeline",
	Long: `Capture a single frame, extract equipment attributes with the configured
vision model, register the item in the record system, and generate a QR label.

Runs the whole pipeline in the foreground and prints the result. Use
--image to process an existing file instead of grabbing a frame.

Examples:
  labshot capture                      # Grab from the configured device
  labshot capture --device cam-1       # Grab from a specific device
  labshot capture --image shelf.jpg    # Process an existing image`,
	RunE: runCapture,
}

var (
	captureDevice string
	captureImage  string
)

func init() {
	CaptureCmd.Flags().StringVar(&captureDevice, "device", "", "Device ID (overrides capture.device_id)")
	CaptureCmd.Flags().StringVar(&captureImage, "image", "", "Process an existing image file instead of capturing")
}

func runCapture(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	log := cliLogger("labshot")

	database, err := openDatabase(store, log)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	captureSvc := capture.NewService(store, log)
	engine := analysis.NewEngine(store, log)
	labels := label.NewGenerator(store, database, log)

	records := record.NewClient(store, log)
	createLog := record.NewCreateLog(database)
	registrar := pipeline.NewRecordRegistrar(records, createLog, store, log)

	queue := pipeline.NewQueue(database, nil)
	runner := pipeline.NewRunner(queue, store, engine, registrar, labels, log)

	spinner, _ := pterm.DefaultSpinner.Start("Capturing frame...")
	var artifact *capture.Artifact
	if captureImage != "" {
		artifact, err = captureSvc.IngestFile(ctx, captureImage)
	} else {
		artifact, err = captureSvc.Capture(ctx, captureDevice)
	}
	if err != nil {
		spinner.Fail("Capture failed")
		return err
	}
	spinner.Success(fmt.Sprintf("Captured %s (%d bytes)", artifact.Path, artifact.SizeBytes))

	job := pipeline.NewJob(artifact)
	if err := queue.Enqueue(job); err != nil {
		return err
	}
	job.Start()
	if err := queue.UpdateJob(job); err != nil {
		return err
	}

	spinner, _ = pterm.DefaultSpinner.Start("Running pipeline...")
	if err := runner.Run(ctx, job); err != nil {
		_ = queue.FailJob(job.ID, err)
		spinner.Fail(fmt.Sprintf("Pipeline failed at stage %s", job.Stage))
		return err
	}
	if err := queue.CompleteJob(job.ID); err != nil {
		return err
	}
	spinner.Success("Pipeline completed")

	pterm.Println()
	if job.Attributes != nil {
		pterm.Info.Printf("Title: %s\n", job.Attributes.Title)
		if job.Attributes.Manufacturer != "" {
			pterm.Printf("  Manufacturer: %s\n", job.Attributes.Manufacturer)
		}
		if job.Attributes.Model != "" {
			pterm.Printf("  Model: %s\n", job.Attributes.Model)
		}
		if job.Attributes.SerialNumber != "" {
			pterm.Printf("  Serial: %s\n", job.Attributes.SerialNumber)
		}
	}
	pterm.Printf("  Record: #%d\n", job.RecordID)
	pterm.Printf("  Label: %s\n", job.LabelPath)
	return nil
}
