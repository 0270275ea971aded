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
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// CheckpointInfo is the decoded content of one checkpoint file, read without
// a pipeline to load it into.
type CheckpointInfo struct {
	RunID     string
	NumStages int

	// Versions holds each stage's installed parameter version at save time.
	Versions []int64

	Stages []StageCheckpoint
}

// StageCheckpoint is one stage's slice of a checkpoint: the saved parameter
// tensors and, when present, the optimizer's step counter.
type StageCheckpoint struct {
	Params []*tensors.Tensor

	// OptimizerSteps is the stage optimizer's step counter, or -1 when the
	// checkpoint carries no optimizer state.
	OptimizerSteps int64
}

// ListCheckpointFiles returns the paths of the checkpoint files saved under
// dir, oldest first.
func ListCheckpointFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// InspectCheckpoint decodes a checkpoint file standalone, for reporting: the
// header, every stage's parameter tensors and the optimizer step counters.
// The optimizer moment buffers are read past but not returned.
func InspectCheckpoint(filePath string) (*CheckpointInfo, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "inspecting checkpoint %q", filePath)
	}
	defer func() { _ = file.Close() }()

	decoder := gob.NewDecoder(file)
	var header checkpointHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "decoding header of %q", filePath)
	}
	info := &CheckpointInfo{
		RunID:     header.RunID,
		NumStages: header.NumStages,
		Versions:  header.Versions,
		Stages:    make([]StageCheckpoint, header.NumStages),
	}
	for stage := range info.Stages {
		var numParams int
		if err := decoder.Decode(&numParams); err != nil {
			return nil, errors.Wrapf(err, "decoding stage %d of %q", stage, filePath)
		}
		params := make([]*tensors.Tensor, numParams)
		for ii := range params {
			params[ii], err = tensors.GobDeserialize(decoder)
			if err != nil {
				return nil, errors.Wrapf(err, "decoding stage %d parameter #%d of %q", stage, ii, filePath)
			}
		}
		var hasOptState bool
		if err := decoder.Decode(&hasOptState); err != nil {
			return nil, errors.Wrapf(err, "decoding stage %d of %q", stage, filePath)
		}
		stageInfo := StageCheckpoint{Params: params, OptimizerSteps: -1}
		if hasOptState {
			// Every optimizer snapshot starts its struct with the Steps
			// counter; the remaining fields are ignored by name.
			var snapshot struct{ Steps int64 }
			if err := decoder.Decode(&snapshot); err != nil {
				return nil, errors.Wrapf(err, "decoding stage %d optimizer state of %q", stage, filePath)
			}
			stageInfo.OptimizerSteps = snapshot.Steps
		}
		info.Stages[stage] = stageInfo
	}
	return info, nil
}
