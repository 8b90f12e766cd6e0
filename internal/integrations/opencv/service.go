// Package opencv enthält die lokalen Backends auf Basis von gocv:
// Haar-Kaskade und YuNet zur Lokalisierung, SFace zur Verifikation.
// Alle Modelle sind nicht threadsicher und werden per Mutex geschützt.
package opencv

import (
	"fmt"
	"image"
	"os"
	"runtime"

	"gocv.io/x/gocv"
	log "github.com/sirupsen/logrus"
)

// netBackend wählt Backend und Target für gocv DNN
func netBackend(useGPU bool) (gocv.NetBackendType, gocv.NetTargetType) {
	if !useGPU {
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
	if haveNvidiaGPU() {
		log.Info("NVIDIA GPU detected, using CUDA backend")
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		// Metal wird von OpenCV DNN nicht direkt unterstützt
		log.Info("Apple Silicon detected, using optimized CPU path")
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
	log.Warn("GPU usage enabled but no supported GPU found, falling back to CPU")
	return gocv.NetBackendDefault, gocv.NetTargetCPU
}

// haveNvidiaGPU prüft, ob eine NVIDIA-GPU verfügbar ist
func haveNvidiaGPU() bool {
	if os.Getenv("NVIDIA_VISIBLE_DEVICES") != "" || os.Getenv("NVIDIA_DRIVER_CAPABILITIES") != "" {
		return true
	}
	for _, path := range []string{
		"/usr/local/cuda/lib64/libcudart.so",
		"/usr/lib/x86_64-linux-gnu/libcuda.so",
		"/usr/lib/libcuda.so",
		"/usr/bin/nvidia-smi",
	} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// toMat wandelt ein Bild in eine BGR-Matrix um. Der Aufrufer schließt die Matrix.
func toMat(img image.Image) (gocv.Mat, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image to mat: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("converted mat is empty")
	}
	return mat, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
