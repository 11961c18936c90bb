package calibration

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// curveJSON mirrors one measured response curve on disk. Sizes in bytes,
// times in seconds.
type curveJSON struct {
	Sizes []float64 `json:"sizes"`
	Times []float64 `json:"times"`
}

// dataJSON is the on-disk calibration document: either both curves or both
// bandwidths, never a mix.
type dataJSON struct {
	AllReduce          *curveJSON `json:"all_reduce,omitempty"`
	AllToAll           *curveJSON `json:"all_to_all,omitempty"`
	AllReduceBandwidth float64    `json:"all_reduce_bandwidth,omitempty"`
	AllToAllBandwidth  float64    `json:"all_to_all_bandwidth,omitempty"`
}

// Parse decodes a calibration JSON document.
func Parse(data []byte) (*Data, error) {
	var doc dataJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing calibration JSON")
	}
	hasCurves := doc.AllReduce != nil || doc.AllToAll != nil
	hasBandwidths := doc.AllReduceBandwidth != 0 || doc.AllToAllBandwidth != 0
	if hasCurves == hasBandwidths {
		return nil, errors.New("calibration: configure either measured curves or peak bandwidths, exactly one")
	}
	if hasCurves {
		if doc.AllReduce == nil || doc.AllToAll == nil {
			return nil, errors.New("calibration: curves must be given for both all-reduce and all-to-all")
		}
		allReduce, err := NewCurve(doc.AllReduce.Sizes, doc.AllReduce.Times)
		if err != nil {
			return nil, errors.WithMessage(err, "all-reduce curve")
		}
		allToAll, err := NewCurve(doc.AllToAll.Sizes, doc.AllToAll.Times)
		if err != nil {
			return nil, errors.WithMessage(err, "all-to-all curve")
		}
		return FromCurves(allReduce, allToAll)
	}
	return FromBandwidths(doc.AllReduceBandwidth, doc.AllToAllBandwidth)
}

// Load reads and parses the calibration document at path.
func Load(path string) (*Data, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading calibration file %q", path)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in calibration file %q", path)
	}
	klog.V(2).Infof("Loaded %s calibration from %s", d.Mode(), path)
	return d, nil
}
