package safe

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func ValidateMatForOperation(mat *Mat, operation string) error {
	if mat == nil {
		return fmt.Errorf("Mat is nil for operation: %s", operation)
	}

	if !mat.IsValid() {
		return fmt.Errorf("Mat is invalid for operation: %s", operation)
	}

	if mat.Empty() {
		return fmt.Errorf("Mat is empty for operation: %s", operation)
	}

	if mat.Rows() <= 0 || mat.Cols() <= 0 {
		return fmt.Errorf("Mat has invalid dimensions %dx%d for operation: %s",
			mat.Cols(), mat.Rows(), operation)
	}

	return nil
}

// ValidateRegion clips region to the Mat and fails when nothing is left.
func ValidateRegion(mat *Mat, region image.Rectangle, operation string) (image.Rectangle, error) {
	if err := ValidateMatForOperation(mat, operation); err != nil {
		return image.Rectangle{}, err
	}

	clipped := region.Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	if clipped.Empty() {
		return image.Rectangle{}, fmt.Errorf("region %v lies outside %dx%d for operation: %s",
			region, mat.Cols(), mat.Rows(), operation)
	}

	return clipped, nil
}

func ValidateSingleChannel(mat *Mat, operation string) error {
	if err := ValidateMatForOperation(mat, operation); err != nil {
		return err
	}

	if mat.Channels() != 1 {
		return fmt.Errorf("%s requires a single-channel Mat, got %d channels", operation, mat.Channels())
	}

	return nil
}

func ValidateBinary(mat *Mat, operation string) error {
	if err := ValidateSingleChannel(mat, operation); err != nil {
		return err
	}

	if mat.Type() != gocv.MatTypeCV8UC1 {
		return fmt.Errorf("%s requires an 8-bit binary Mat, got type %d", operation, int(mat.Type()))
	}

	return nil
}
