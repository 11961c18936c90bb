package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/hybridembed/planner"
	"github.com/gomlx/hybridembed/statistics"
	"github.com/gomlx/hybridembed/topology"
)

// configYAML is the on-disk job description. Example:
//
//	workload:
//	  batch_size: 55296
//	  num_iterations: 1000
//	  embedding_dim: 128
//	  bytes_per_element: 4      # optional, defaults to 4 (float32)
//	  communication: multi-node # or single-node (the default)
//	topology:
//	  instances_per_node: [8, 8]
//	tables:
//	  sizes: [1000000, 39060, 17295]
type configYAML struct {
	Workload struct {
		BatchSize       int    `yaml:"batch_size"`
		NumIterations   int    `yaml:"num_iterations"`
		EmbeddingDim    int    `yaml:"embedding_dim"`
		BytesPerElement int    `yaml:"bytes_per_element"`
		Communication   string `yaml:"communication"`
	} `yaml:"workload"`
	Topology struct {
		InstancesPerNode []int `yaml:"instances_per_node"`
	} `yaml:"topology"`
	Tables struct {
		Sizes []int `yaml:"sizes"`
	} `yaml:"tables"`
}

// jobConfig is the parsed and validated job description.
type jobConfig struct {
	workload      planner.Workload
	commType      planner.CommunicationType
	topo          *topology.Topology
	tableSizes    []int
	numCategories int
}

func loadConfig(path string) (*jobConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	var doc configYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}

	if doc.Workload.Communication == "" {
		doc.Workload.Communication = planner.SingleNode.String()
	}
	commType, err := planner.ParseCommunicationType(doc.Workload.Communication)
	if err != nil {
		return nil, err
	}
	if doc.Workload.BytesPerElement == 0 {
		doc.Workload.BytesPerElement = 4
	}

	numInstances := 0
	for _, n := range doc.Topology.InstancesPerNode {
		numInstances += n
	}
	topo, err := topology.New(numInstances, doc.Topology.InstancesPerNode)
	if err != nil {
		return nil, err
	}

	if len(doc.Tables.Sizes) == 0 {
		return nil, errors.Errorf("config %q declares no feature tables", path)
	}
	offsets, err := statistics.TableOffsets(doc.Tables.Sizes)
	if err != nil {
		return nil, err
	}

	return &jobConfig{
		workload: planner.Workload{
			BatchSize:       doc.Workload.BatchSize,
			NumIterations:   doc.Workload.NumIterations,
			NumTables:       len(doc.Tables.Sizes),
			EmbeddingDim:    doc.Workload.EmbeddingDim,
			BytesPerElement: doc.Workload.BytesPerElement,
		},
		commType:      commType,
		topo:          topo,
		tableSizes:    doc.Tables.Sizes,
		numCategories: int(offsets[len(doc.Tables.Sizes)]),
	}, nil
}
