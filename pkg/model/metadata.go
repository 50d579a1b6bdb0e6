package model

// NameMap implements a bidirectional mapping between a class name and an index
type NameMap struct {
	NameToIndex map[string]int
	IndexToName map[int]string
}

func (f NameMap) Set(name string, index int) {
	f.NameToIndex[name] = index
	f.IndexToName[index] = name
}

func (f NameMap) Size() int {
	return len(f.IndexToName)
}

func (f NameMap) ContainsName(name string) (int, bool) {
	index, ok := f.NameToIndex[name]
	return index, ok
}

func NewNameMap() NameMap {
	return NameMap{
		NameToIndex: map[string]int{},
		IndexToName: map[int]string{},
	}
}

type Metadata struct {
	// TargetMap contains a mapping of class names to class indexes
	TargetMap NameMap

	// ImageChannels and ImageSide describe the tensor layout every manifest
	// image is converted to before reaching the model
	ImageChannels int
	ImageSide     int

	// BackboneName records which backbone the fusion model was built with
	BackboneName string
}

func NewMetadata(channels, side int) *Metadata {
	return &Metadata{
		TargetMap:     NewNameMap(),
		ImageChannels: channels,
		ImageSide:     side,
	}
}

// ParseOrAddLabel resolves a class name to its index, registering it first if
// it has not been seen yet.
func (d *Metadata) ParseOrAddLabel(value string) float64 {
	target, ok := d.TargetMap.ContainsName(value)
	if !ok {
		target = d.TargetMap.Size()
		d.TargetMap.Set(value, target)
	}
	return float64(target)
}

// ParseLabel resolves a class name against the frozen mapping.
func (d *Metadata) ParseLabel(value string) (float64, bool) {
	target, ok := d.TargetMap.ContainsName(value)
	return float64(target), ok
}

func (d *Metadata) ClassCount() int {
	return d.TargetMap.Size()
}
