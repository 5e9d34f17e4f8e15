package OSGEO

import (
	"fmt"

	"github.com/GrainArc/Gogeo"
)

// MosaicPreview describes the raster a mosaic of the inputs would produce.
type MosaicPreview struct {
	MinX          float64 `json:"min_x"`
	MinY          float64 `json:"min_y"`
	MaxX          float64 `json:"max_x"`
	MaxY          float64 `json:"max_y"`
	ResX          float64 `json:"res_x"`
	ResY          float64 `json:"res_y"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	BandCount     int     `json:"band_count"`
	DataType      string  `json:"data_type"`
	Projection    string  `json:"projection"`
	EPSG          int     `json:"epsg"`
	EstimatedSize int64   `json:"estimated_size"`
}

// InspectMosaic opens every source and reports the combined extent and size.
// Sources in different projections are refused.
func InspectMosaic(paths []string) (*MosaicPreview, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no rasters to inspect", ErrRaster)
	}
	datasets := make([]*Gogeo.RasterDataset, 0, len(paths))
	codes := make([]int, 0, len(paths))
	defer func() {
		for _, ds := range datasets {
			ds.Close()
		}
	}()
	for _, path := range paths {
		ds, err := Gogeo.OpenRasterDataset(path, false)
		if err != nil {
			return nil, rasterErr("open", path, err)
		}
		datasets = append(datasets, ds)
		codes = append(codes, ds.GetEPSGCode())
	}
	epsg, err := commonEPSG(codes)
	if err != nil {
		return nil, err
	}
	options := &Gogeo.MosaicOptions{
		ForceBandMatch: false,
		ResampleMethod: Gogeo.ResampleMethod(0),
		NumThreads:     0,
	}
	if err := Gogeo.ValidateMosaicInputs(datasets, options); err != nil {
		return nil, fmt.Errorf("%w: mosaic inputs: %v", ErrRaster, err)
	}
	info, err := Gogeo.GetMosaicInfo(datasets, options)
	if err != nil {
		return nil, fmt.Errorf("%w: mosaic info: %v", ErrRaster, err)
	}
	estimatedSize, _ := Gogeo.EstimateMosaicSize(datasets, options)
	return &MosaicPreview{
		MinX:          info.MinX,
		MinY:          info.MinY,
		MaxX:          info.MaxX,
		MaxY:          info.MaxY,
		ResX:          info.ResX,
		ResY:          info.ResY,
		Width:         info.Width,
		Height:        info.Height,
		BandCount:     info.BandCount,
		DataType:      info.DataType,
		Projection:    info.Projection,
		EPSG:          epsg,
		EstimatedSize: estimatedSize,
	}, nil
}

// commonEPSG returns the EPSG code shared by every source. Sources without a
// code (0) are skipped; two different codes cannot be mosaicked.
func commonEPSG(codes []int) (int, error) {
	epsg := 0
	for _, c := range codes {
		if c == 0 {
			continue
		}
		if epsg != 0 && c != epsg {
			return 0, fmt.Errorf("%w: mixed projections EPSG:%d and EPSG:%d", ErrRaster, epsg, c)
		}
		epsg = c
	}
	return epsg, nil
}
