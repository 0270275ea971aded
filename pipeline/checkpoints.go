/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package pipeline

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/optimizers"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// CheckpointConfig configures checkpoint saving and loading for a pipeline.
// Create it with Checkpoints, set a directory and call Done:
//
//	handler, err := pipeline.Checkpoints(coord).Dir(*flagCheckpoint).Keep(3).Done()
//
// Done loads the latest checkpoint found in the directory (if any) into the
// stage parameters, optimizer states and parameter versions, and attaches
// an OnEnd hook that saves a new checkpoint after every clean run.
type CheckpointConfig struct {
	coord *Coordinator
	dir   string
	keep  int
	err   error
}

// Checkpoints starts the configuration of checkpointing for the pipeline.
// It must be configured before the pipeline is started: loading mutates the
// stage parameters, which is only safe while the stages are quiescent.
func Checkpoints(coord *Coordinator) *CheckpointConfig {
	return &CheckpointConfig{coord: coord, keep: 1}
}

// Dir sets the directory where checkpoints are saved and loaded. It is
// created if needed.
func (c *CheckpointConfig) Dir(dir string) *CheckpointConfig {
	c.dir = dir
	return c
}

// TempDir creates a fresh directory under dir (os.MkdirTemp semantics; an
// empty dir means the system temporary directory) and checkpoints there.
// Useful for tests and throwaway runs.
func (c *CheckpointConfig) TempDir(dir, pattern string) *CheckpointConfig {
	tmpDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.err = errors.Wrapf(err, "creating temporary checkpoint directory under %q", dir)
		return c
	}
	c.dir = tmpDir
	return c
}

// Keep configures how many checkpoints to retain; older ones are erased on
// the next Save. -1 keeps all. The default is 1.
func (c *CheckpointConfig) Keep(n int) *CheckpointConfig {
	c.keep = n
	return c
}

// Done builds the CheckpointHandler: it creates the directory, restores the
// latest checkpoint if one exists, and hooks saving to the end of runs.
func (c *CheckpointConfig) Done() (*CheckpointHandler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoints: no directory configured, call Dir or TempDir")
	}
	if !c.coord.quiescent() {
		return nil, errors.New("checkpoints: pipeline already running, configure checkpoints before Start")
	}
	if err := os.MkdirAll(c.dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", c.dir)
	}
	h := &CheckpointHandler{coord: c.coord, dir: c.dir, keep: c.keep}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.count = maxCheckpointCount(list) + 1
	if len(list) > 0 {
		latest := list[len(list)-1]
		if err := h.load(latest); err != nil {
			return nil, err
		}
		klog.V(1).Infof("checkpoints: restored %q from %s", latest, c.dir)
	}
	c.coord.OnEnd("checkpoints", 100, func(*Coordinator) error {
		return h.Save()
	})
	return h, nil
}

// MustDone is Done, panicking on error.
func (c *CheckpointConfig) MustDone() *CheckpointHandler {
	h, err := c.Done()
	if err != nil {
		panic(err)
	}
	return h
}

// CheckpointHandler saves and restores the mutable state of a pipeline: per
// stage the parameter tensors, the optimizer state and the installed
// parameter version. Each checkpoint is one gob file.
type CheckpointHandler struct {
	coord *Coordinator
	dir   string
	keep  int
	count int
}

// String implements fmt.Stringer.
func (h *CheckpointHandler) String() string {
	return fmt.Sprintf("pipeline.CheckpointHandler(%q)", h.dir)
}

// Dir returns the checkpoint directory.
func (h *CheckpointHandler) Dir() string { return h.dir }

const (
	checkpointPrefix = "checkpoint-"
	checkpointSuffix = ".gob"
)

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// ListCheckpoints returns the base names of the saved checkpoints, oldest
// first.
func (h *CheckpointHandler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var checkpoints []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, checkpointPrefix) || !strings.HasSuffix(fileName, checkpointSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(checkpointSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether any checkpoint is saved in the directory.
func (h *CheckpointHandler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

// maxCheckpointCount extracts the largest sequence number among saved
// checkpoints, -1 if none.
func maxCheckpointCount(checkpoints []string) int {
	maxCount := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		count, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if count > maxCount {
			maxCount = count
		}
	}
	return maxCount
}

// checkpointHeader leads every checkpoint file.
type checkpointHeader struct {
	RunID     string
	NumStages int
	// Versions holds each stage's installed parameter version at save time.
	Versions []int64
}

// Save writes a new checkpoint. The pipeline must be quiescent: either not
// yet started, or fully drained and waited for. Older checkpoints beyond
// the configured Keep count are erased.
func (h *CheckpointHandler) Save() error {
	if !h.coord.quiescent() {
		return errors.Errorf("%s: cannot save while the pipeline is running", h)
	}
	versions := h.coord.Versions()
	maxVersion := int64(0)
	for _, v := range versions {
		maxVersion = max(maxVersion, v)
	}
	baseName := fmt.Sprintf("%sn%07d-%s-v%08d",
		checkpointPrefix, h.count, time.Now().Format("20060102-150405"), maxVersion)
	h.count++

	fileName := filepath.Join(h.dir, baseName+checkpointSuffix)
	file, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "%s: creating checkpoint file", h)
	}
	encoder := gob.NewEncoder(file)
	err = h.encode(encoder, versions)
	if closeErr := file.Close(); err == nil {
		err = errors.Wrapf(closeErr, "%s: closing checkpoint file", h)
	}
	if err != nil {
		return err
	}
	klog.V(1).Infof("checkpoints: saved %q", baseName)
	return h.keepNCheckpoints()
}

func (h *CheckpointHandler) encode(encoder *gob.Encoder, versions []int64) error {
	header := checkpointHeader{
		RunID:     h.coord.RunID(),
		NumStages: h.coord.NumStages(),
		Versions:  versions,
	}
	if err := encoder.Encode(header); err != nil {
		return errors.Wrapf(err, "%s: encoding header", h)
	}
	for stage, exec := range h.coord.execs {
		params := exec.module.Parameters()
		if err := encoder.Encode(len(params)); err != nil {
			return errors.Wrapf(err, "%s: stage %d", h, stage)
		}
		for ii, param := range params {
			if err := param.GobSerialize(encoder); err != nil {
				return errors.Wrapf(err, "%s: stage %d parameter #%d", h, stage, ii)
			}
		}
		serializable, ok := exec.opt.(optimizers.Serializable)
		if err := encoder.Encode(ok); err != nil {
			return errors.Wrapf(err, "%s: stage %d", h, stage)
		}
		if ok {
			if err := serializable.GobSerialize(encoder); err != nil {
				return errors.Wrapf(err, "%s: stage %d optimizer state", h, stage)
			}
		}
	}
	return nil
}

// load restores the checkpoint with the given base name into the stages.
func (h *CheckpointHandler) load(baseName string) error {
	fileName := filepath.Join(h.dir, baseName+checkpointSuffix)
	file, err := os.Open(fileName)
	if err != nil {
		return errors.Wrapf(err, "%s: opening checkpoint", h)
	}
	defer func() { _ = file.Close() }()

	decoder := gob.NewDecoder(file)
	var header checkpointHeader
	if err := decoder.Decode(&header); err != nil {
		return errors.Wrapf(err, "%s: decoding header of %q", h, baseName)
	}
	if header.NumStages != h.coord.NumStages() {
		return errors.Errorf("%s: checkpoint %q has %d stage(s), pipeline has %d",
			h, baseName, header.NumStages, h.coord.NumStages())
	}
	for stage, exec := range h.coord.execs {
		params := exec.module.Parameters()
		var numParams int
		if err := decoder.Decode(&numParams); err != nil {
			return errors.Wrapf(err, "%s: stage %d of %q", h, stage, baseName)
		}
		if numParams != len(params) {
			return errors.Errorf("%s: checkpoint %q stage %d has %d parameter(s), module has %d",
				h, baseName, stage, numParams, len(params))
		}
		for ii, param := range params {
			loaded, err := tensors.GobDeserialize(decoder)
			if err != nil {
				return errors.Wrapf(err, "%s: stage %d parameter #%d of %q", h, stage, ii, baseName)
			}
			if !loaded.Shape().Equal(param.Shape()) {
				return errors.Errorf("%s: checkpoint %q stage %d parameter #%d shaped %s, module wants %s",
					h, baseName, stage, ii, loaded.Shape(), param.Shape())
			}
			param.CopyFrom(loaded)
		}
		var hasOptState bool
		if err := decoder.Decode(&hasOptState); err != nil {
			return errors.Wrapf(err, "%s: stage %d of %q", h, stage, baseName)
		}
		if hasOptState {
			serializable, ok := exec.opt.(optimizers.Serializable)
			if !ok {
				return errors.Errorf("%s: checkpoint %q carries optimizer state for stage %d, but the optimizer cannot restore it",
					h, baseName, stage)
			}
			if err := serializable.GobDeserialize(decoder); err != nil {
				return errors.Wrapf(err, "%s: stage %d optimizer state of %q", h, stage, baseName)
			}
		}
		h.coord.ledgers[stage].restoreVersion(header.Versions[stage])
	}
	return nil
}

// keepNCheckpoints erases the oldest checkpoints beyond the configured Keep
// count.
func (h *CheckpointHandler) keepNCheckpoints() error {
	if h.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.keep] {
		fileName := filepath.Join(h.dir, baseName+checkpointSuffix)
		if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s: removing excess checkpoint %q", h, baseName)
		}
	}
	return nil
}

// quiescent reports whether no stage goroutine may be touching parameters:
// the pipeline either never started or has fully finished.
func (c *Coordinator) quiescent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.started || c.done.Test()
}
