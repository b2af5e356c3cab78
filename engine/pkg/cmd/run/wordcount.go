// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.


package run

import (
	"strings"
	"unicode"

	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/engine/processor"
)

func splitWords(item any) ([]any, error) {
	fields := strings.FieldsFunc(item.(string), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make([]any, 0, len(fields))
	for _, f := range fields {
		words = append(words, strings.ToLower(f))
	}
	return words, nil
}

func wordKey(item any) string {
	return item.(string)
}

// wordCountGraph builds lines -> split -> count -> sink. The sink writes
// to outputDir, or into results when outputDir is empty.
func wordCountGraph(lines []any, parallelism int, outputDir string, results *processor.Collector) (*dag.Graph, error) {
	g := dag.NewGraph()
	source := g.MustAddVertex("lines", processor.ListSource(lines), parallelism)
	split := g.MustAddVertex("split", processor.FlatMap(splitWords), parallelism)
	count := g.MustAddVertex("count", processor.CombineByKey(wordKey, processor.Counting()), parallelism)

	sinkSupplier := processor.CollectSink(results)
	if outputDir != "" {
		sinkSupplier = processor.WriteFile(outputDir, nil)
	}
	sink := g.MustAddVertex("sink", sinkSupplier, 1)

	for _, e := range []*dag.Edge{
		dag.Between(source, split),
		dag.Between(split, count).Partitioned(wordKey).Distributed(),
		dag.Between(count, sink).AllToOne().Distributed(),
	} {
		if err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}
