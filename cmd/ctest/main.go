// ctest compiles every test program with gmcc, assembles and links it with
// the system cc, runs the binary, and compares what it did against a
// golden .json file next to the source.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"
)

// Execution captures one observed run of a compiled test program.
type Execution struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

type FileTestResult struct {
	File    string     `json:"file"`
	Status  string     `json:"status"` // PASS, FAIL, SKIP, ERROR
	Message string     `json:"message,omitempty"`
	Diff    string     `json:"diff,omitempty"`
	Got     *Execution `json:"got,omitempty"`
	Want    *Execution `json:"want,omitempty"`
}

var (
	compiler       = flag.String("compiler", "./gmcc", "Path to the gmcc binary under test.")
	testFiles      = flag.String("test-files", "testdata/*.c", "Glob pattern(s) for test programs (space-separated).")
	generateGolden = flag.String("generate-golden", "", "Generate the golden .json file for one source file and exit.")
	outputJSON     = flag.String("output", ".test_results.json", "Output file for the JSON test report.")
	timeout        = flag.Duration("timeout", 5*time.Second, "Timeout for each command execution.")
	jobs           = flag.Int("j", 4, "Number of parallel test jobs.")
	verbose        = flag.Bool("v", false, "Enable verbose logging.")
)

const (
	cRed    = "\x1b[91m"
	cYellow = "\x1b[93m"
	cGreen  = "\x1b[92m"
	cBold   = "\x1b[1m"
	cNone   = "\x1b[0m"
)

func main() {
	flag.Parse()
	log.SetFlags(0)

	tempDir, err := os.MkdirTemp("", "ctest-*")
	if err != nil {
		log.Fatalf("%s[ERROR]%s Failed to create temp directory: %v\n", cRed, cNone, err)
	}
	defer os.RemoveAll(tempDir)
	setupInterruptHandler(tempDir)

	if *generateGolden != "" {
		handleGenerateGolden(*generateGolden, tempDir)
		return
	}
	handleRunTestSuite(tempDir)
}

// setupInterruptHandler cleans up on CTRL+C.
func setupInterruptHandler(tempDir string) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		os.RemoveAll(tempDir)
		fmt.Printf("\n%s[INTERRUPT]%s Test run cancelled. Cleaning up...\n", cYellow, cNone)
		os.Exit(1)
	}()
}

func goldenPath(sourceFile string) string {
	return filepath.Join(filepath.Dir(sourceFile), "."+filepath.Base(sourceFile)+".json")
}

// hashFile computes the xxhash of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum64()), nil
}

func handleGenerateGolden(sourceFile, tempDir string) {
	log.Printf("Generating golden file for %s...\n", sourceFile)

	fileHash, err := hashFile(sourceFile)
	if err != nil {
		log.Fatalf("%s[ERROR]%s Could not hash %s: %v\n", cRed, cNone, sourceFile, err)
	}
	result, err := compileAndRun(sourceFile, tempDir, fileHash)
	if err != nil {
		log.Fatalf("%s[ERROR]%s %s: %v\n", cRed, cNone, sourceFile, err)
	}
	jsonData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("%s[ERROR]%s Failed to marshal golden data: %v\n", cRed, cNone, err)
	}
	goldenFile := goldenPath(sourceFile)
	if err := os.WriteFile(goldenFile, jsonData, 0644); err != nil {
		log.Fatalf("%s[ERROR]%s Failed to write %s: %v\n", cRed, cNone, goldenFile, err)
	}
	log.Printf("%s[SUCCESS]%s Golden file created at %s\n", cGreen, cNone, goldenFile)
}

func handleRunTestSuite(tempDir string) {
	files, err := expandGlobPatterns(*testFiles)
	if err != nil {
		log.Fatalf("%s[ERROR]%s Invalid glob pattern(s): %v\n", cRed, cNone, err)
	}
	if len(files) == 0 {
		log.Println("No test files found matching the pattern(s).")
		return
	}

	tasks := make(chan string, len(files))
	resultsChan := make(chan *FileTestResult, len(files))
	var wg sync.WaitGroup

	for i := 0; i < *jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range tasks {
				resultsChan <- testFile(file, tempDir)
			}
		}()
	}

	// Feed the tasks channel, skipping files with identical content.
	seenHashes := make(map[string]string)
	for _, file := range files {
		fileHash, err := hashFile(file)
		if err != nil {
			resultsChan <- &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Failed to hash file: %v", err)}
			continue
		}
		if originalFile, seen := seenHashes[fileHash]; seen {
			resultsChan <- &FileTestResult{File: file, Status: "SKIP", Message: fmt.Sprintf("Content is identical to %s", originalFile)}
			continue
		}
		seenHashes[fileHash] = file
		tasks <- file
	}
	close(tasks)

	wg.Wait()
	close(resultsChan)

	var allResults []*FileTestResult
	for result := range resultsChan {
		allResults = append(allResults, result)
	}
	sort.Slice(allResults, func(i, j int) bool {
		return allResults[i].File < allResults[j].File
	})

	printSummary(allResults)
	writeJSONReport(allResults)
	for _, r := range allResults {
		if r.Status == "FAIL" || r.Status == "ERROR" {
			os.Exit(1)
		}
	}
}

func testFile(file, tempDir string) *FileTestResult {
	goldenFile := goldenPath(file)
	goldenData, err := os.ReadFile(goldenFile)
	if err != nil {
		return &FileTestResult{File: file, Status: "SKIP", Message: fmt.Sprintf("No golden file %s", goldenFile)}
	}
	var want Execution
	if err := json.Unmarshal(goldenData, &want); err != nil {
		return &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Could not parse %s: %v", goldenFile, err)}
	}

	fileHash, err := hashFile(file)
	if err != nil {
		return &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Failed to hash file: %v", err)}
	}
	got, err := compileAndRun(file, tempDir, fileHash)
	if err != nil {
		return &FileTestResult{File: file, Status: "FAIL", Message: err.Error(), Want: &want}
	}

	if diff := cmp.Diff(want, *got); diff != "" {
		return &FileTestResult{
			File: file, Status: "FAIL",
			Message: "Output mismatch (-want +got)",
			Diff:    diff,
			Got:     got, Want: &want,
		}
	}
	return &FileTestResult{File: file, Status: "PASS", Got: got}
}

// compileAndRun takes a source file through gmcc and cc, runs the binary,
// and records what it printed and how it exited.
func compileAndRun(file, tempDir, fileHash string) (*Execution, error) {
	binPath := filepath.Join(tempDir, fileHash)

	compileCmd := exec.Command(*compiler, "-b", binPath, file)
	var compileErr bytes.Buffer
	compileCmd.Stderr = &compileErr
	if *verbose {
		log.Printf("[%s] %s", file, strings.Join(compileCmd.Args, " "))
	}
	if err := compileCmd.Run(); err != nil {
		return nil, fmt.Errorf("compilation failed: %v\n%s", err, compileErr.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	runCmd := exec.CommandContext(ctx, binPath)
	var stdout bytes.Buffer
	runCmd.Stdout = &stdout
	err := runCmd.Run()

	exec1 := &Execution{Stdout: stdout.String()}
	if ctx.Err() == context.DeadlineExceeded {
		exec1.TimedOut = true
		return exec1, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		exec1.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		return nil, fmt.Errorf("failed to run binary: %v", err)
	}
	return exec1, nil
}

func expandGlobPatterns(patterns string) ([]string, error) {
	var files []string
	for _, pattern := range strings.Fields(patterns) {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	return files, nil
}

func printSummary(results []*FileTestResult) {
	var pass, fail, skip, errs int
	for _, r := range results {
		switch r.Status {
		case "PASS":
			pass++
			log.Printf("%s[PASS]%s %s", cGreen, cNone, r.File)
		case "FAIL":
			fail++
			log.Printf("%s[FAIL]%s %s: %s", cRed, cNone, r.File, r.Message)
			if r.Diff != "" {
				log.Print(r.Diff)
			}
		case "SKIP":
			skip++
			log.Printf("%s[SKIP]%s %s: %s", cYellow, cNone, r.File, r.Message)
		default:
			errs++
			log.Printf("%s[ERROR]%s %s: %s", cRed, cNone, r.File, r.Message)
		}
	}
	log.Printf("\n%s%d passed, %d failed, %d skipped, %d errors%s",
		cBold, pass, fail, skip, errs, cNone)
}

func writeJSONReport(results []*FileTestResult) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		log.Printf("%s[WARN]%s Could not marshal report: %v", cYellow, cNone, err)
		return
	}
	if err := os.WriteFile(*outputJSON, data, 0644); err != nil {
		log.Printf("%s[WARN]%s Could not write report %s: %v", cYellow, cNone, *outputJSON, err)
	}
}
