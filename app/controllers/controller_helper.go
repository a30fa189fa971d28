package controllers

import (
	"errors"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

var validate = validator.New()

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

// respondError maps a billing error to the HTTP status and the error code
// clients see. Declines are not errors for the caller and answer 200.
func respondError(c *fiber.Ctx, err error) error {
	category := billing.Classify(err)
	switch category {
	case billing.CategoryValidation:
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": category.String(), "message": verrs.Error()})
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": category.String(), "message": err.Error()})
	case billing.CategorySignature:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": category.String(), "message": "signature verification failed"})
	case billing.CategoryNotFound:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": category.String(), "message": "not found"})
	case billing.CategoryConflict:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": category.String(), "message": err.Error()})
	case billing.CategoryDeclined:
		return c.JSON(fiber.Map{"success": false, "errorCode": category.String(), "errorMessage": err.Error()})
	case billing.CategoryUnavailable:
		log.Warnf("[Billing] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": category.String(), "message": "payment provider unavailable, try again later"})
	case billing.CategoryConfiguration:
		log.Errorf("[Billing] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": category.String(), "message": "billing configuration incomplete"})
	default:
		log.Errorf("[Billing] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": category.String(), "message": "internal error"})
	}
}
