package constants

const (
	// 데이터 디렉토리 내 파이프라인 단계별 디렉토리
	OriginalDir string = "original"
	GreyedDir   string = "greyed"
	CroppedDir  string = "cropped"
	FinalDir    string = "imgs"

	LabelsFile string = "labels.json"
	StageFile  string = "stage.yaml"

	// 모델 디렉토리 내 고정 파일 이름
	ArchitectureFile string = "model.json"
	WeightsFile      string = "model.gob"
	LabelMapFile     string = "labels_to_ints.json"
	TrainResultFile  string = "train.yaml"

	ImageExt string = ".png"

	ImageSize   int = 128
	GreyChannel int = 3

	// 데이터에서 클래스 수를 구하기 전 사용하던 고정값
	NumClasses int = 17

	TrainBatchSize int = 128
	TrainEpochs    int = 12

	DefaultMultiClassMax int = 5

	ModeAll    string = "all"
	PromptBias float64 = 0.1
)
