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

package datasets

import (
	"io"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// FromCSV reads a headered CSV stream into an InMemory dataset. The named
// feature columns become the input axes (in the given order) and the target
// column the target axis; all of them are parsed as Float64. Other columns
// are ignored.
func FromCSV(name string, r io.Reader, featureColumns []string, targetColumn string) (*InMemory, error) {
	if len(featureColumns) == 0 {
		return nil, errors.Errorf("dataset %q: at least one feature column is required", name)
	}
	columnTypes := make(map[string]series.Type, len(featureColumns)+1)
	for _, column := range featureColumns {
		columnTypes[column] = series.Float
	}
	columnTypes[targetColumn] = series.Float

	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.WithTypes(columnTypes))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "dataset %q: reading CSV", name)
	}
	numRows := df.Nrow()
	if numRows == 0 {
		return nil, errors.Errorf("dataset %q: CSV has no data rows", name)
	}

	numFeatures := len(featureColumns)
	inputs := make([]float64, numRows*numFeatures)
	for fi, column := range featureColumns {
		col := df.Col(column)
		if col.Err != nil {
			return nil, errors.Wrapf(col.Err, "dataset %q: feature column %q", name, column)
		}
		for row, v := range col.Float() {
			inputs[row*numFeatures+fi] = v
		}
	}
	col := df.Col(targetColumn)
	if col.Err != nil {
		return nil, errors.Wrapf(col.Err, "dataset %q: target column %q", name, targetColumn)
	}
	targets := col.Float()

	return InMemoryFromData(name,
		tensors.FromFlatDataAndDimensions(inputs, numRows, numFeatures),
		tensors.FromFlatDataAndDimensions(targets, numRows, 1))
}
