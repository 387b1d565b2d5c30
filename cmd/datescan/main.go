/**
 * datescan - command line front end
 *
 * Scans a still image or a token list for a printed date:
 *
 *	datescan -image label.png
 *	datescan 2020 JA 15
 *	datescan -enqueue -image label.png   (hand the frame to a running worker)
 */

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/datescan-worker/internal/datescan"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/ocr"
	"github.com/adverant/nexus/datescan-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/datescan-worker/internal/ocr/vision"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
	"github.com/adverant/nexus/datescan-worker/internal/queue"
	"github.com/adverant/nexus/datescan-worker/internal/viewstate"
)

func main() {
	_ = godotenv.Load(".env.datescan")

	var (
		imagePath     = flag.String("image", "", "path to an image to OCR and scan")
		visionURL     = flag.String("vision-url", "", "OCR with the remote vision service at this URL instead of tesseract")
		langs         = flag.String("lang", envOr("TESSERACT_LANGUAGES", "eng"), "tesseract languages, '+' separated")
		strict        = flag.Bool("strict", false, "require every year character to be a digit")
		rejectUnknown = flag.Bool("reject-unknown-month", false, "treat unknown month codes as no match")
		asJSON        = flag.Bool("json", false, "print the full result as JSON")
		verbose       = flag.Bool("v", false, "log each recognized element")
		enqueue       = flag.Bool("enqueue", false, "submit the frame to the worker's task queue instead of scanning locally")
		redisURL      = flag.String("redis", envOr("REDIS_URL", "redis://localhost:6379"), "Redis URL for -enqueue")
		queueName     = flag.String("queue", envOr("QUEUE_NAME", "datescan:frames"), "queue name for -enqueue")
		timeout       = flag.Duration("timeout", 30*time.Second, "per-frame timeout")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [-image path | TOKEN...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *imagePath == "" && flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var image []byte
	if *imagePath != "" {
		data, err := os.ReadFile(*imagePath)
		if err != nil {
			log.Fatalf("Failed to read image: %v", err)
		}
		image = data
	}

	if *enqueue {
		payload := &queue.JobPayload{Source: "cli", ImageBuffer: image}
		if image == nil {
			payload.Tokens = flag.Args()
		}
		id, err := queue.Enqueue(ctx, *redisURL, *queueName, payload)
		if err != nil {
			log.Fatalf("Failed to enqueue frame: %v", err)
		}
		fmt.Printf("enqueued %s on %s\n", id, *queueName)
		return
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}

	var opts []datescan.Option
	if *strict {
		opts = append(opts, datescan.WithDigitCheck(datescan.AllDigits))
	}
	if *rejectUnknown {
		opts = append(opts, datescan.WithRejectUnknownMonth())
	}

	logger := logging.NewLoggerWithWriter("datescan", os.Stderr, level)

	var recognizer ocr.Recognizer = tesseract.NewEngine(&tesseract.Config{
		Languages: strings.Split(*langs, "+"),
		MinHeight: 100,
		Grayscale: true,
	})
	if *visionURL != "" {
		client, err := vision.NewClient(&vision.Config{BaseURL: *visionURL, Timeout: *timeout, Logger: logger.With("vision")})
		if err != nil {
			log.Fatalf("Failed to initialize vision client: %v", err)
		}
		recognizer = client
	}

	proc, err := processor.NewFrameProcessor(&processor.ProcessorConfig{
		Slot:       viewstate.NewDateSlot(),
		Recognizer: recognizer,
		Parser:     datescan.NewParser(opts...),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize frame processor: %v", err)
	}

	req := &processor.FrameRequest{Source: "cli", Image: image}
	if image == nil {
		req.Tokens = flag.Args()
	}

	result, err := proc.ProcessFrame(ctx, req)
	proc.Close()
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}

	if err := printResult(os.Stdout, result, *asJSON); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
	if !result.Found {
		os.Exit(1)
	}
}

func printResult(w io.Writer, result *processor.FrameResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if !result.Found {
		_, err := fmt.Fprintln(w, "no date found")
		return err
	}
	suffix := ""
	if result.Partial {
		suffix = fmt.Sprintf(" (unknown month code %q)", result.Date.MonthCode)
	}
	_, err := fmt.Fprintf(w, "%s%s\n", result.Value, suffix)
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
