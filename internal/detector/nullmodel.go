package detector

// NullPoseModel and NullObbModel are placeholder model handles: they report
// no detections. The machine-learning model binaries themselves are an
// external collaborator. Supervisor.Start wires these two for every
// machine; the configuration has no model-path option.

type NullPoseModel struct{}

func (NullPoseModel) Infer(pixels []byte, width, height int) ([]PersonDetection, error) {
	return nil, nil
}

type NullObbModel struct{}

func (NullObbModel) Infer(pixels []byte, width, height int) ([]ObbInstance, error) {
	return nil, nil
}
